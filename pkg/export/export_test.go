package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Title: "Audit trail",
		Columns: []Column{
			{Key: "action", Header: "Action", Width: 30},
			{Key: "actor"},
			{Key: "description", Header: "Description"},
		},
		Rows: []map[string]string{
			{"action": "CREATE", "actor": "ana", "description": "Project create operation"},
			{"action": "UPDATE", "actor": "bo, jr", "description": "Task update operation"},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset())
	require.NoError(t, err)

	expected := "Action,actor,Description\n" +
		"CREATE,ana,Project create operation\n" +
		"UPDATE,\"bo, jr\",Task update operation\n"
	assert.Equal(t, expected, string(out))
}

func TestCSVExporterRequiresColumns(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	assert.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	exporter := NewPDFExporter()
	exporter.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	out, err := exporter.Render(sampleDataset())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestColumnWidths(t *testing.T) {
	widths := columnWidths(sampleDataset().Columns)
	require.Len(t, widths, 3)
	assert.Equal(t, 30.0, widths[0])
	assert.InDelta(t, (pdfPageWidth-30)/2, widths[1], 0.001)
	assert.Equal(t, widths[1], widths[2])
}
