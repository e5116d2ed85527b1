package transform

import (
    "github.com/mariadb-labs/dbproxy/internal/wcar/record"
)

// Run executes the full offline pipeline against a capture file pair
// (basePath+".cx"/".ex"): sort events by start_time, rewrite the sorted
// .cx/.ex in place, extract transactions, sort those by GTID, and write
// basePath+".gx". Indexes are rebuilt from the returned Index by the
// replay player at load time rather than persisted, since they are cheap
// to derive from the .gx file.
func Run(basePath string, chunkSize int) (Index, error) {
    events, err := record.ReadEvents(basePath)
    if err != nil {
        return Index{}, err
    }

    sorted, err := SortByStartTime(events, chunkSize)
    if err != nil {
        return Index{}, err
    }

    storage, err := record.Create(basePath)
    if err != nil {
        return Index{}, err
    }
    for _, e := range sorted {
        if err := storage.WriteEvent(e); err != nil {
            storage.Close()
            return Index{}, err
        }
    }
    if err := storage.Close(); err != nil {
        return Index{}, err
    }

    txns := SortTransactionsByGTID(ExtractTransactions(sorted))
    if err := WriteTransactions(basePath, txns); err != nil {
        return Index{}, err
    }

    return BuildIndex(txns), nil
}
