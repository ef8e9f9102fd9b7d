package database

import (
	"context"

	"github.com/pashagolub/pgxmock/v4"
)

// MockDBPool adapts a pgxmock pool to DBPool for repository tests.
type MockDBPool struct {
	mock pgxmock.PgxPoolIface
}

// NewMockDBPool returns a DBPool plus the pgxmock handle used to set expectations.
func NewMockDBPool() (*MockDBPool, pgxmock.PgxPoolIface, error) {
	mockPool, err := pgxmock.NewPool()
	if err != nil {
		return nil, nil, err
	}
	return &MockDBPool{mock: mockPool}, mockPool, nil
}

func (m *MockDBPool) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := m.mock.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return PgxRows{Rows: rows}, nil
}

func (m *MockDBPool) QueryRow(ctx context.Context, query string, args ...any) Row {
	return PgxRow{Row: m.mock.QueryRow(ctx, query, args...)}
}

func (m *MockDBPool) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	tag, err := m.mock.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return PgxResult{CommandTag: tag}, nil
}

func (m *MockDBPool) Begin(ctx context.Context) (Tx, error) {
	tx, err := m.mock.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return PgxTx{Tx: tx}, nil
}

func (m *MockDBPool) Close() {
	m.mock.Close()
}

func (m *MockDBPool) ExpectationsWereMet() error {
	return m.mock.ExpectationsWereMet()
}
