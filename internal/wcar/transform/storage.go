package transform

import (
    "bufio"
    "encoding/binary"
    "io"
    "os"

    "github.com/mariadb-labs/dbproxy/internal/wcar/wireformat"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

// WriteTransactions writes basePath+".gx": one record per transaction,
// (session_id, start_event_id, end_event_id, end_time_ns, gtid).
func WriteTransactions(basePath string, txns []Transaction) error {
    f, err := os.Create(basePath + ".gx")
    if err != nil {
        return errors.Wrap(err, errors.ErrCaptureReplayIO, "creating .gx file")
    }
    defer f.Close()

    w := bufio.NewWriter(f)
    if err := wireformat.WriteHeader(w, wireformat.KindTransactions); err != nil {
        return errors.Wrap(err, errors.ErrCaptureReplayIO, "writing .gx header")
    }
    for _, t := range txns {
        if err := putUvarint(w, t.SessionID); err != nil {
            return err
        }
        if err := putUvarint(w, t.StartEventID); err != nil {
            return err
        }
        if err := putUvarint(w, t.EndEventID); err != nil {
            return err
        }
        if err := binary.Write(w, binary.LittleEndian, t.EndTimeNS); err != nil {
            return err
        }
        if err := putString(w, t.GTID); err != nil {
            return err
        }
    }
    return w.Flush()
}

// ReadTransactions reads basePath+".gx" back, in file order (already
// GTID/end_time sorted by the writer).
func ReadTransactions(basePath string) ([]Transaction, error) {
    f, err := os.Open(basePath + ".gx")
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "opening .gx file")
    }
    defer f.Close()

    r := bufio.NewReader(f)
    if err := wireformat.CheckHeader(r, wireformat.KindTransactions); err != nil {
        return nil, err
    }
    var out []Transaction
    for {
        sessionID, err := binary.ReadUvarint(r)
        if err == io.EOF {
            break
        }
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .gx record")
        }
        startEventID, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .gx record")
        }
        endEventID, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .gx record")
        }
        var endTimeNS int64
        if err := binary.Read(r, binary.LittleEndian, &endTimeNS); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .gx record")
        }
        gtid, err := readString(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .gx record")
        }
        out = append(out, Transaction{
            SessionID:    sessionID,
            StartEventID: startEventID,
            EndEventID:   endEventID,
            EndTimeNS:    endTimeNS,
            GTID:         gtid,
        })
    }
    return out, nil
}

func putUvarint(w io.Writer, v uint64) error {
    buf := make([]byte, binary.MaxVarintLen64)
    n := binary.PutUvarint(buf, v)
    _, err := w.Write(buf[:n])
    return err
}

func putString(w io.Writer, s string) error {
    if err := putUvarint(w, uint64(len(s))); err != nil {
        return err
    }
    _, err := w.Write([]byte(s))
    return err
}

func readString(r *bufio.Reader) (string, error) {
    n, err := binary.ReadUvarint(r)
    if err != nil {
        return "", err
    }
    buf := make([]byte, n)
    if _, err := io.ReadFull(r, buf); err != nil {
        return "", err
    }
    return string(buf), nil
}
