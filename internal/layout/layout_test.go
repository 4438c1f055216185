package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareIntegers(t *testing.T) {
	a, err := NewInt(4, -5)
	require.NoError(t, err)
	b, err := NewInt(4, 3)
	require.NoError(t, err)

	ord, err := Compare(a, b)
	require.NoError(t, err)
	require.Equal(t, Less, ord)

	ord, err = Compare(b, a)
	require.NoError(t, err)
	require.Equal(t, Greater, ord)

	ord, err = Compare(a, a)
	require.NoError(t, err)
	require.Equal(t, Equal, ord)
}

func TestCompareStrings(t *testing.T) {
	a, err := NewString(8, "abc")
	require.NoError(t, err)
	b, err := NewString(8, "abd")
	require.NoError(t, err)

	ord, err := Compare(a, b)
	require.NoError(t, err)
	require.Equal(t, Less, ord)
}

func TestCompareMismatchedTypesIsFault(t *testing.T) {
	a, err := NewInt(4, 1)
	require.NoError(t, err)
	b, err := NewString(4, "x")
	require.NoError(t, err)

	_, err = Compare(a, b)
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestValueOverflow(t *testing.T) {
	_, err := NewString(2, "too long")
	require.ErrorIs(t, err, ErrValueOverflow)
}

func TestLayoutRecordRoundTrip(t *testing.T) {
	l, err := New([]Column{
		{Name: "id", Type: Int32},
		{Name: "score", Type: Int64},
		{Name: "name", Type: Str(8)},
	})
	require.NoError(t, err)
	require.Equal(t, 4, l.KeySize())
	require.Equal(t, 16, l.RecordSize())

	score, err := NewInt(8, 42)
	require.NoError(t, err)
	name, err := NewString(8, "abc")
	require.NoError(t, err)

	encoded, err := l.EncodeRecord([]Value{score, name})
	require.NoError(t, err)
	require.Len(t, encoded, 16)

	decoded, err := l.DecodeRecord(encoded)
	require.NoError(t, err)
	got, err := decoded[0].Int64()
	require.NoError(t, err)
	require.EqualValues(t, 42, got)

	gotName, err := decoded[1].String()
	require.NoError(t, err)
	require.Equal(t, "abc", gotName)
}

func TestLayoutTooManyColumns(t *testing.T) {
	cols := make([]Column, MaxColumns+1)
	for i := range cols {
		cols[i] = Column{Name: "c", Type: Int8}
	}
	_, err := New(cols)
	require.ErrorIs(t, err, ErrLayoutOverflow)
}
