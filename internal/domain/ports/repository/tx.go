package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager executes fn inside one storage transaction, passing the
// transaction handle through tx. Repositories accept a nil tx and then run on
// their own connection.
//
// The concrete type of tx is infra-defined (pgx.Tx for Postgres, a no-op value
// for the in-memory store).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
