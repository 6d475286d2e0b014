package engine

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestScanRowsCoercesLargeIntegers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	big := maxSafeInteger + 1
	rows := sqlmock.NewRows([]string{"dim_1", "value", "raw"}).
		AddRow("a", int64(42), []byte("blob-as-text")).
		AddRow("b", big, []byte("more"))
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	got, err := db.Query("SELECT dim_1, value, raw FROM t")
	require.NoError(t, err)
	defer got.Close()

	result, err := scanRows(got)
	require.NoError(t, err)
	require.Equal(t, []string{"dim_1", "value", "raw"}, result.Columns)
	require.Len(t, result.Rows, 2)

	require.Equal(t, "a", result.Rows[0]["dim_1"])
	require.Equal(t, int64(42), result.Rows[0]["value"])
	require.Equal(t, "blob-as-text", result.Rows[0]["raw"])

	require.Equal(t, "b", result.Rows[1]["dim_1"])
	require.Equal(t, float64(big), result.Rows[1]["value"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCoerceValuePassesSafeIntegersThrough(t *testing.T) {
	require.Equal(t, int64(9000), coerceValue(int64(9000)))
	require.Equal(t, "text", coerceValue([]byte("text")))
	require.Equal(t, nil, coerceValue(nil))
}
