// Package wireformat is the shared framing every WCAR file (.cx, .ex, .gx,
// .rx) opens with: a fixed magic word, a format version, and a file-kind
// tag, so a reader rejects a file from an incompatible build or a
// differently-suffixed file handed to the wrong reader instead of
// silently misparsing it.
package wireformat

import (
    "io"

    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

const (
    magic         = "WCAR"
    formatVersion byte = 1
)

const (
    KindCanonicalDictionary byte = 'C'
    KindQueryEvents         byte = 'E'
    KindTransactions        byte = 'G'
    KindReplyEvents         byte = 'R'
)

// WriteHeader writes the magic word, format version, and kind tag at the
// start of a freshly created file.
func WriteHeader(w io.Writer, kind byte) error {
    if _, err := io.WriteString(w, magic); err != nil {
        return err
    }
    _, err := w.Write([]byte{formatVersion, kind})
    return err
}

// CheckHeader reads and validates the header WriteHeader wrote, rejecting
// a missing/mismatched magic, an incompatible format version, or the
// wrong file-kind tag.
func CheckHeader(r io.Reader, kind byte) error {
    buf := make([]byte, len(magic)+2)
    if _, err := io.ReadFull(r, buf); err != nil {
        return errors.Wrap(err, errors.ErrCaptureReplayIO, "reading WCAR file header")
    }
    if string(buf[:len(magic)]) != magic {
        return errors.New(errors.ErrCaptureReplayIO, "not a WCAR file: bad magic")
    }
    if buf[len(magic)] != formatVersion {
        return errors.New(errors.ErrCaptureReplayIO, "unsupported WCAR file format version")
    }
    if buf[len(magic)+1] != kind {
        return errors.New(errors.ErrCaptureReplayIO, "WCAR file kind mismatch")
    }
    return nil
}
