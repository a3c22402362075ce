package pagination

import (
	"errors"
	"strconv"
	"testing"

	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageTrimsAndEncodesCursor(t *testing.T) {
	rows := []int{1, 2, 3, 4}
	page, info, err := Page(rows, 3, func(v int) string { return strconv.Itoa(v) })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, page)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "3", cursor.ID)
}

func TestPageLastPage(t *testing.T) {
	page, info, err := Page([]int{1, 2}, 3, func(v int) string { return strconv.Itoa(v) })
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.True(t, errors.Is(err, errs.ErrBadInput))
}

func TestSizeClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Size())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Size())
}
