package storage

// Op discriminates a write's kind.
type Op uint8

const (
	OpDelete Op = 0
	OpInsert Op = 1
)

// Write is one row-level mutation inside a Transaction: which table, what
// kind of operation, and the DataKey addressing the row's bytes.
type Write struct {
	TableID uint32
	Op      Op
	Key     DataKey
}

// Transaction is the durable record of one committed transaction's writes,
// in the order they were applied.
type Transaction struct {
	Writes []Write
}

// Commit is a batch of one or more Transactions frozen together, chained
// to the previous Commit by its hash.
type Commit struct {
	ParentHash [32]byte
	Txns       []Transaction
	Hash       [32]byte
}
