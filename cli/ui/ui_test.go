package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable(t *testing.T) {
	table := NewTable("ID", "Stream", "Error")
	table.AddRow("dl-1", "order", "timeout")
	table.AddRow("dl-2")
	table.AddRow("dl-3", "order", "boom", "ignored")

	assert.Equal(t, 3, table.Len())
	assert.Equal(t, []string{"dl-2", "", ""}, table.rows[1])
	assert.Len(t, table.rows[2], 3)

	out := table.Render()
	for _, s := range []string{"ID", "Stream", "dl-1", "timeout", "dl-3"} {
		assert.Contains(t, out, s)
	}
	assert.NotContains(t, out, "ignored")
}

func TestTable_RenderWithoutHeaders(t *testing.T) {
	assert.Empty(t, NewTable().Render())
}

func TestKeyValues(t *testing.T) {
	out := KeyValues("Driver", "sqlite", "Position", "42", "dangling")
	assert.Contains(t, out, "Driver:")
	assert.Contains(t, out, "42")
	assert.NotContains(t, out, "dangling")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestStatusBadge(t *testing.T) {
	for _, status := range []string{"healthy", "pending", "dead", "unknown"} {
		assert.Contains(t, StatusBadge(status), status)
	}
}

func TestBanners(t *testing.T) {
	assert.Contains(t, Banner(), "event store")
	assert.Contains(t, SimpleBanner(), "keel")
}

func TestDivider(t *testing.T) {
	assert.Contains(t, Divider(5), "─────")
}

func TestListItems(t *testing.T) {
	out := ListItems([]string{"order", "payment"})
	assert.Contains(t, out, "order")
	assert.Contains(t, out, "payment")
	assert.Empty(t, ListItems(nil))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc…", Truncate("abcdefgh", 4))
	assert.Equal(t, "…", Truncate("abcdefgh", 1))
	assert.Equal(t, "abcdefgh", Truncate("abcdefgh", 0))
}
