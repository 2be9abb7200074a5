package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolConfigAppliesOptions(t *testing.T) {
	cfg, err := poolConfig(Options{
		DSN:             "postgres://u:p@localhost:5432/subledger?sslmode=disable",
		MaxConns:        7,
		IdleInTxTimeout: 15 * time.Minute,
		ApplicationName: "ledgerd",
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, cfg.MaxConns)
	require.Equal(t, "ledgerd", cfg.ConnConfig.RuntimeParams["application_name"])
	require.Equal(t, "900000", cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"])
}

func TestPoolConfigKeepsDefaults(t *testing.T) {
	cfg, err := poolConfig(Options{DSN: "postgres://u:p@localhost:5432/subledger?pool_max_conns=3"})
	require.NoError(t, err)
	require.EqualValues(t, 3, cfg.MaxConns)
	_, ok := cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]
	require.False(t, ok)
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestBeginRequiresPool(t *testing.T) {
	_, err := Begin(context.Background(), nil)
	require.ErrorIs(t, err, errNoPool)
	_, err = BeginSnapshot(context.Background(), nil)
	require.ErrorIs(t, err, errNoPool)
}
