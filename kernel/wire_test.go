package kernel

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

func TestWire_RequestCarriesNestedValuesAndTabs(t *testing.T) {
	dir := t.TempDir()
	right := &params.TabOutput{
		Slug:     "tab-2",
		Name:     "Lookup",
		Table:    table.New(table.Ints("id", []int64{1, 2, 3})),
		Metadata: table.TableMetadata{NRows: 3, Columns: []table.Column{{Name: "id", Type: table.Number("{:d}")}}},
	}
	p := params.DictValue(map[string]params.Value{
		"how":    params.StringValue("left"),
		"limit":  params.IntValue(-7),
		"ratio":  params.FloatValue(0.25),
		"strict": params.BoolValue(true),
		"on":     params.ListValue(params.StringValue("id"), params.StringValue("name")),
		"right":  params.TabValue(right),
		"none":   params.NullValue(),
		"empty":  params.ListValue(),
	})
	req := &request{
		Op:        opRender,
		Module:    "join",
		InputPath: "/in",
		Params:    p,
		Tab:       TabInfo{Slug: "tab-1", Name: "Main"},
		Fetch:     &result.FetchResult{Path: "/fetched", Errors: []result.RenderError{result.Errorf("x")}},
	}

	frame, err := encodeRequest(req, func(tab *params.TabOutput) (string, error) {
		path := filepath.Join(dir, tab.Slug+".tftb")
		return path, table.WriteFile(path, tab.Table)
	})
	require.NoError(t, err)

	got, err := decodeRequest(frame, table.ReadFile)
	require.NoError(t, err)
	assert.Equal(t, opRender, got.Op)
	assert.Equal(t, "join", got.Module)
	assert.Equal(t, "/in", got.InputPath)
	assert.Equal(t, req.Tab, got.Tab)
	assert.Equal(t, "/fetched", got.Fetch.Path)
	assert.Equal(t, "x", got.Fetch.Errors[0].Message.ID)

	gp := got.Params
	assert.Equal(t, "left", gp.Get("how").String())
	assert.Equal(t, int64(-7), gp.Get("limit").Int)
	assert.Equal(t, 0.25, gp.Get("ratio").Float)
	assert.True(t, gp.Get("strict").Bool)
	assert.Equal(t, []string{"id", "name"}, gp.Get("on").Strings())
	assert.True(t, gp.Get("none").IsNull())
	assert.Equal(t, params.KindList, gp.Get("empty").Kind)
	assert.Empty(t, gp.Get("empty").List)

	tab := gp.Get("right").Tab
	require.NotNil(t, tab)
	assert.Equal(t, "tab-2", tab.Slug)
	assert.Equal(t, "Lookup", tab.Name)
	assert.Equal(t, right.Metadata, tab.Metadata)
	assert.Equal(t, []int64{1, 2, 3}, tab.Table.Array("id").Ints)
}

func TestWire_Reply(t *testing.T) {
	md := table.TableMetadata{NRows: 1, Columns: []table.Column{{Name: "a", Type: table.Text()}}}
	rep := &reply{
		Metadata:   &md,
		Errors:     []result.RenderError{result.Errorf("warn", "n", 1.0)},
		JSON:       json.RawMessage(`{"a":[1,2]}`),
		WroteTable: true,
	}
	frame, err := encodeReply(opRender, rep)
	require.NoError(t, err)

	got, err := decodeReply(frame, opRender)
	require.NoError(t, err)
	assert.Equal(t, md, *got.Metadata)
	assert.Equal(t, rep.Errors, got.Errors)
	assert.JSONEq(t, string(rep.JSON), string(got.JSON))
	assert.True(t, got.WroteTable)

	_, err = decodeReply(frame, opFetch)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWire_RejectsCorruptFrames(t *testing.T) {
	good, err := encodeReply(opValidate, &reply{Structural: "x"})
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":       nil,
		"short":       good[:3],
		"bad magic":   append([]byte("XYZ"), good[3:]...),
		"bad version": append(append([]byte{}, good[:3]...), 9, opValidate),
		"bad op":      append(append([]byte{}, good[:4]...), 42),
		"truncated":   append(append([]byte{}, good...), 0x0a, 0x05, 'a'),
	}
	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeReply(frame, opValidate)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}
