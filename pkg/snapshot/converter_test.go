package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type developer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type project struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Budget     float64           `json:"budget"`
	Active     bool              `json:"active"`
	Priority   int               `json:"priority"`
	Tasks      []string          `json:"tasks"`
	Labels     map[string]string `json:"labels"`
	Lead       developer         `json:"lead"`
	Archived   *time.Time        `json:"archivedAt"`
	CreatedAt  time.Time         `json:"createdAt"`
	internalID int
}

type described struct{}

func (described) AuditSnapshot() map[string]any {
	return map[string]any{"kind": "custom", "members": []int{1, 2}, "nothing": nil}
}

type brokenJSON struct {
	Name  string
	notes []string
}

func (brokenJSON) MarshalJSON() ([]byte, error) {
	return nil, errors.New("cannot encode")
}

type hidden struct {
	name  string
	count int
	tags  []string
	ch    chan int
}

type panicky struct{}

func (panicky) AuditSnapshot() map[string]any { panic("describe failed") }

func (panicky) MarshalJSON() ([]byte, error) { panic("encode failed") }

func TestConvertNil(t *testing.T) {
	var p *project
	assert.Nil(t, Convert(nil))
	assert.Nil(t, Convert(p))
}

func TestConvertSummarizesStructuredValue(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	out := Convert(project{
		ID:        "p-1",
		Name:      "Apollo",
		Budget:    1250.5,
		Active:    true,
		Priority:  3,
		Tasks:     []string{"a", "b", "c"},
		Labels:    map[string]string{"team": "core"},
		Lead:      developer{ID: "d-1", Name: "Ana"},
		CreatedAt: created,
	})

	require.NotNil(t, out)
	assert.Equal(t, "p-1", out["id"])
	assert.Equal(t, "Apollo", out["name"])
	assert.Equal(t, 1250.5, out["budget"])
	assert.Equal(t, true, out["active"])
	assert.Equal(t, int64(3), out["priority"])
	assert.Equal(t, "Collection[3]", out["tasks"])
	assert.Equal(t, "Map[1]", out["labels"])
	assert.Equal(t, `developer: {"id":"d-1","name":"Ana"}`, out["lead"])
	assert.Equal(t, "2024-03-01T10:00:00Z", out["createdAt"])
	assert.NotContains(t, out, "archivedAt")
	assert.NotContains(t, out, "internalID")
}

func TestConvertMapInput(t *testing.T) {
	out := Convert(map[string]any{"status": "DONE", "ids": []string{"x"}, "gone": nil})

	assert.Equal(t, "DONE", out["status"])
	assert.Equal(t, "Collection[1]", out["ids"])
	assert.NotContains(t, out, "gone")
}

func TestConvertUsesDescriber(t *testing.T) {
	out := Convert(described{})

	assert.Equal(t, map[string]any{"kind": "custom", "members": "Collection[2]"}, out)
}

func TestConvertFallsBackToFieldWalk(t *testing.T) {
	out := Convert(brokenJSON{Name: "x", notes: []string{"1", "2"}})
	assert.Equal(t, "x", out["Name"])
	assert.Equal(t, "Collection[2]", out["notes"])

	out = Convert(&hidden{name: "secret", count: 2, tags: []string{"t"}})
	assert.Equal(t, "secret", out["name"])
	assert.Equal(t, int64(2), out["count"])
	assert.Equal(t, "Collection[1]", out["tags"])
	assert.NotContains(t, out, "ch")
}

func TestConvertTotalFallback(t *testing.T) {
	assert.Equal(t, map[string]any{"data": "42", "dataType": "int"}, Convert(42))
	assert.Equal(t, map[string]any{"data": "[a b]", "dataType": "[]string"}, Convert([]string{"a", "b"}))
}

func TestConvertNeverPanics(t *testing.T) {
	var out map[string]any
	require.NotPanics(t, func() { out = NewConverter(nil).Convert(panicky{}) })
	assert.Equal(t, map[string]any{}, out)
}

type task struct {
	Title string
}

type crew struct {
	Name  string
	Tasks []task
	Owner developer
}

type release struct {
	Attachment []byte
	Lead       crew
	Labels     any
}

func TestConvertDescribesLargeFieldsBySize(t *testing.T) {
	out := Convert(release{
		Attachment: make([]byte, 4096),
		Lead:       crew{Name: "d", Tasks: make([]task, 500), Owner: developer{ID: "d-9"}},
		Labels:     map[string]int{"a": 1, "b": 2},
	})

	require.NotNil(t, out)
	assert.Equal(t, "Collection[4096]", out["Attachment"])
	assert.Equal(t, `crew: {"Name":"d","Owner":"developer","Tasks":"Collection[500]"}`, out["Lead"])
	assert.Equal(t, "Map[2]", out["Labels"])
}

func TestConvertMapInputKeepsDescriptors(t *testing.T) {
	out := Convert(map[string]any{"blob": []byte("abc"), "lead": developer{ID: "d-1"}})

	assert.Equal(t, "Collection[3]", out["blob"])
	assert.Equal(t, `developer: {"id":"d-1","name":""}`, out["lead"])
}
