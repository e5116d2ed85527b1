package replay

import (
    "bufio"
    "encoding/binary"
    "io"
    "os"

    "github.com/mariadb-labs/dbproxy/internal/wcar/wireformat"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

// ReplyRecord is one executed event's outcome, written to .rx during
// replay.
type ReplyRecord struct {
    EventID     uint64
    StartTimeNS int64
    EndTimeNS   int64
    CanonicalID uint64
    NumRows     int64
    RowsRead    int64
    Error       string
}

// ReplyWriter is the narrow interface RepSession needs to persist outcomes;
// ReplyStorage is the file-backed implementation and a fake stands in for
// it in tests.
type ReplyWriter interface {
    Submit(r ReplyRecord)
}

// ReplyStorage appends ReplyRecords to basePath+".rx", serialized with the
// same uvarint framing the rest of the WCAR codec uses.
type ReplyStorage struct {
    f *os.File
    w *bufio.Writer
}

func CreateReplyStorage(basePath string) (*ReplyStorage, error) {
    f, err := os.Create(basePath + ".rx")
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "creating .rx file")
    }
    w := bufio.NewWriter(f)
    if err := wireformat.WriteHeader(w, wireformat.KindReplyEvents); err != nil {
        f.Close()
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "writing .rx header")
    }
    return &ReplyStorage{f: f, w: w}, nil
}

func (s *ReplyStorage) Submit(r ReplyRecord) {
    _ = s.write(r)
}

func (s *ReplyStorage) write(r ReplyRecord) error {
    if err := putUvarint(s.w, r.EventID); err != nil {
        return err
    }
    if err := binary.Write(s.w, binary.LittleEndian, r.StartTimeNS); err != nil {
        return err
    }
    if err := binary.Write(s.w, binary.LittleEndian, r.EndTimeNS); err != nil {
        return err
    }
    if err := putUvarint(s.w, r.CanonicalID); err != nil {
        return err
    }
    if err := putUvarint(s.w, uint64(r.NumRows)); err != nil {
        return err
    }
    if err := putUvarint(s.w, uint64(r.RowsRead)); err != nil {
        return err
    }
    return putString(s.w, r.Error)
}

func (s *ReplyStorage) Close() error {
    if err := s.w.Flush(); err != nil {
        return err
    }
    return s.f.Close()
}

func ReadReplies(basePath string) ([]ReplyRecord, error) {
    f, err := os.Open(basePath + ".rx")
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "opening .rx file")
    }
    defer f.Close()

    r := bufio.NewReader(f)
    if err := wireformat.CheckHeader(r, wireformat.KindReplyEvents); err != nil {
        return nil, err
    }
    var out []ReplyRecord
    for {
        eventID, err := binary.ReadUvarint(r)
        if err == io.EOF {
            break
        }
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        var startNS, endNS int64
        if err := binary.Read(r, binary.LittleEndian, &startNS); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        if err := binary.Read(r, binary.LittleEndian, &endNS); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        canonicalID, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        numRows, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        rowsRead, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        errMsg, err := readString(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .rx record")
        }
        out = append(out, ReplyRecord{
            EventID:     eventID,
            StartTimeNS: startNS,
            EndTimeNS:   endNS,
            CanonicalID: canonicalID,
            NumRows:     int64(numRows),
            RowsRead:    int64(rowsRead),
            Error:       errMsg,
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
