package transform

import (
    "sort"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
)

// Transaction is a contiguous span of events within one session, derived
// offline from capture flags rather than carried directly on events.
type Transaction struct {
    SessionID    uint64
    StartEventID uint64
    EndEventID   uint64
    EndTimeNS    int64
    GTID         string
}

type sessionTxnState struct {
    inTrx      bool
    autocommit bool
    current    Transaction
    hasCurrent bool
}

// ExtractTransactions walks events in start_time order (the caller is
// expected to have already sorted them) and derives Transaction records:
// after an explicit BEGIN or autocommit being turned off, a transaction
// starts at the first write; a write while autocommit is on and no
// transaction is already open starts one too; it ends on COMMIT, ROLLBACK, autocommit
// being turned back on, or — for a single-statement autocommit
// transaction — immediately on the same event. A session close while
// in-transaction closes it. Read-only spans never become transactions.
func ExtractTransactions(events []capture.QueryEvent) []Transaction {
    states := make(map[uint64]*sessionTxnState)
    var out []Transaction

    stateFor := func(sessionID uint64) *sessionTxnState {
        st, ok := states[sessionID]
        if !ok {
            st = &sessionTxnState{autocommit: true}
            states[sessionID] = st
        }
        return st
    }

    closeTxn := func(st *sessionTxnState, e capture.QueryEvent) {
        st.inTrx = false
        if !st.hasCurrent {
            return
        }
        st.current.EndEventID = e.EventID
        st.current.EndTimeNS = e.EndTimeNS
        if st.current.GTID == "" {
            st.current.GTID = e.GTID
        }
        out = append(out, st.current)
        st.hasCurrent = false
        st.inTrx = false
    }

    openTxn := func(st *sessionTxnState, e capture.QueryEvent) {
        st.current = Transaction{SessionID: e.SessionID, StartEventID: e.EventID, GTID: e.GTID}
        st.hasCurrent = true
        st.inTrx = true
    }

    for _, e := range events {
        st := stateFor(e.SessionID)

        switch {
        case e.Has(capture.FlagAutocommitOff):
            st.autocommit = false
            st.inTrx = true
        case e.Has(capture.FlagAutocommitOn):
            st.autocommit = true
            closeTxn(st, e)
        case e.Has(capture.FlagBegin):
            st.inTrx = true
        case e.Has(capture.FlagCommit), e.Has(capture.FlagRollback):
            closeTxn(st, e)
        case e.Has(capture.FlagSessionClose):
            closeTxn(st, e)
        case e.Has(capture.FlagWrite):
            if !st.hasCurrent {
                single := !st.inTrx && st.autocommit
                openTxn(st, e)
                if single {
                    closeTxn(st, e)
                }
            }
        }

        if e.GTID != "" && st.hasCurrent {
            st.current.GTID = e.GTID
        }
    }

    return out
}

// SortTransactionsByGTID orders transactions by GTID when present, falling
// back to end_time for transactions with no GTID.
func SortTransactionsByGTID(txns []Transaction) []Transaction {
    out := append([]Transaction(nil), txns...)
    sort.SliceStable(out, func(i, j int) bool {
        gi, gj := out[i].GTID, out[j].GTID
        if gi != "" && gj != "" {
            return gi < gj
        }
        if gi != gj {
            return gi != "" // present-GTID sorts before absent
        }
        return out[i].EndTimeNS < out[j].EndTimeNS
    })
    return out
}

// Index supports the O(1) start/end event_id lookups replay needs.
type Index struct {
    ByStartEventID map[uint64]Transaction
    ByEndEventID   map[uint64]Transaction
}

func BuildIndex(txns []Transaction) Index {
    idx := Index{
        ByStartEventID: make(map[uint64]Transaction, len(txns)),
        ByEndEventID:   make(map[uint64]Transaction, len(txns)),
    }
    for _, t := range txns {
        idx.ByStartEventID[t.StartEventID] = t
        idx.ByEndEventID[t.EndEventID] = t
    }
    return idx
}
