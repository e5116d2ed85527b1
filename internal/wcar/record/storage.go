// Package record implements the WCAR recorder (a multi-producer
// single-consumer collector draining one shared bounded queue into the capture
// storage backend) and the Boost-style append-only file format: .cx
// (canonical dictionary), .ex (query events), .rx (reply events, written
// during replay), and .gx (transaction records, written by the offline
// transform).
package record

import (
    "bufio"
    "encoding/binary"
    "io"
    "os"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/internal/wcar/wireformat"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

// Storage is the capture write path: Create opens basePath+".cx" and
// basePath+".ex" up front. The sibling .rx file is written by replay and
// .gx by the offline transform, not by Storage.
type Storage struct {
    basePath string

    cx *bufio.Writer
    ex *bufio.Writer

    cxFile *os.File
    exFile *os.File

    writtenCanonicals map[uint64]bool
}

func Create(basePath string) (*Storage, error) {
    cxFile, err := os.Create(basePath + ".cx")
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "creating .cx file")
    }
    exFile, err := os.Create(basePath + ".ex")
    if err != nil {
        cxFile.Close()
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "creating .ex file")
    }

    if err := wireformat.WriteHeader(cxFile, wireformat.KindCanonicalDictionary); err != nil {
        cxFile.Close()
        exFile.Close()
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "writing .cx header")
    }
    if err := wireformat.WriteHeader(exFile, wireformat.KindQueryEvents); err != nil {
        cxFile.Close()
        exFile.Close()
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "writing .ex header")
    }

    return &Storage{
        basePath:          basePath,
        cxFile:            cxFile,
        exFile:             exFile,
        cx:                bufio.NewWriter(cxFile),
        ex:                bufio.NewWriter(exFile),
        writtenCanonicals: make(map[uint64]bool),
    }, nil
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

func putInt64(w io.Writer, v int64) error {
    return binary.Write(w, binary.LittleEndian, v)
}

// WriteEvent appends one query event to .ex, lazily writing its canonical
// dictionary entry to .cx the first time that canonical_id is seen.
func (s *Storage) WriteEvent(e capture.QueryEvent) error {
    if !s.writtenCanonicals[e.CanonicalID] && e.Canonical != "" {
        if err := s.writeCanonical(e.CanonicalID, e.Canonical); err != nil {
            return err
        }
        s.writtenCanonicals[e.CanonicalID] = true
    }

    if err := putUvarint(s.ex, e.CanonicalID); err != nil {
        return err
    }
    if err := putUvarint(s.ex, e.EventID); err != nil {
        return err
    }
    if err := putUvarint(s.ex, e.SessionID); err != nil {
        return err
    }
    if err := putUvarint(s.ex, uint64(e.Flags)); err != nil {
        return err
    }
    if err := putUvarint(s.ex, uint64(len(e.Args))); err != nil {
        return err
    }
    for _, a := range e.Args {
        if err := putString(s.ex, a); err != nil {
            return err
        }
    }
    if err := putInt64(s.ex, e.StartTimeNS); err != nil {
        return err
    }
    if err := putInt64(s.ex, e.EndTimeNS); err != nil {
        return err
    }
    if err := putString(s.ex, e.GTID); err != nil {
        return err
    }
    return nil
}

func (s *Storage) writeCanonical(id uint64, text string) error {
    if err := putUvarint(s.cx, id); err != nil {
        return err
    }
    return putString(s.cx, text)
}

// Flush pushes buffered writes to the underlying files without closing
// them, called by the recorder between batches.
func (s *Storage) Flush() error {
    if err := s.cx.Flush(); err != nil {
        return err
    }
    return s.ex.Flush()
}

func (s *Storage) Close() error {
    if err := s.Flush(); err != nil {
        return err
    }
    if err := s.cxFile.Close(); err != nil {
        return err
    }
    return s.exFile.Close()
}

// ReadEvents streams every event back out of a .ex file plus its .cx
// dictionary, in storage order (not yet time-sorted — that is the offline
// transform's job).
func ReadEvents(basePath string) ([]capture.QueryEvent, error) {
    dict, err := readDictionary(basePath + ".cx")
    if err != nil {
        return nil, err
    }

    f, err := os.Open(basePath + ".ex")
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "opening .ex file")
    }
    defer f.Close()

    r := bufio.NewReader(f)
    if err := wireformat.CheckHeader(r, wireformat.KindQueryEvents); err != nil {
        return nil, err
    }
    var events []capture.QueryEvent
    for {
        canonicalID, err := binary.ReadUvarint(r)
        if err == io.EOF {
            break
        }
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex record")
        }

        eventID, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex record")
        }
        sessionID, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex record")
        }
        flags, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex record")
        }
        argc, err := binary.ReadUvarint(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex record")
        }
        args := make([]string, 0, argc)
        for i := uint64(0); i < argc; i++ {
            arg, err := readString(r)
            if err != nil {
                return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex argument")
            }
            args = append(args, arg)
        }
        var startNS, endNS int64
        if err := binary.Read(r, binary.LittleEndian, &startNS); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex timestamp")
        }
        if err := binary.Read(r, binary.LittleEndian, &endNS); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex timestamp")
        }
        gtid, err := readString(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .ex gtid")
        }

        canonical, ok := dict[canonicalID]
        if !ok && canonicalID != 0 {
            return nil, errors.New(errors.ErrCaptureReplayIO, "unknown canonical_id referenced by event")
        }

        events = append(events, capture.QueryEvent{
            EventID:     eventID,
            SessionID:   sessionID,
            CanonicalID: canonicalID,
            Canonical:   canonical,
            Args:        args,
            Flags:       capture.EventFlag(flags),
            StartTimeNS: startNS,
            EndTimeNS:   endNS,
            GTID:        gtid,
        })
    }
    return events, nil
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

func readDictionary(path string) (map[uint64]string, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "opening .cx file")
    }
    defer f.Close()

    r := bufio.NewReader(f)
    if err := wireformat.CheckHeader(r, wireformat.KindCanonicalDictionary); err != nil {
        return nil, err
    }
    dict := make(map[uint64]string)
    for {
        id, err := binary.ReadUvarint(r)
        if err == io.EOF {
            break
        }
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .cx record")
        }
        text, err := readString(r)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "truncated .cx record")
        }
        dict[id] = text
    }
    return dict, nil
}
