package kernel

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dshills/tabflow/params"
	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// WireVersion is the protocol version written in every frame.
const WireVersion byte = 1

var wireMagic = []byte("TFK")

const frameHeaderSize = 5

// Operation codes.
const (
	opValidate byte = 1
	opMigrate  byte = 2
	opRender   byte = 3
	opFetch    byte = 4
)

// Request fields.
const (
	reqModule     protowire.Number = 1
	reqInputPath  protowire.Number = 2
	reqParams     protowire.Number = 3
	reqTabSlug    protowire.Number = 4
	reqTabName    protowire.Number = 5
	reqFetch      protowire.Number = 6
	reqOutputPath protowire.Number = 7
	reqRawParams  protowire.Number = 8
	reqSecrets    protowire.Number = 9
	reqPrior      protowire.Number = 10
	reqFetches    protowire.Number = 11
)

// Reply fields.
const (
	repMetadata   protowire.Number = 1
	repErrors     protowire.Number = 2
	repJSON       protowire.Number = 3
	repModuleErr  protowire.Number = 4
	repPanic      protowire.Number = 5
	repLine       protowire.Number = 6
	repRawParams  protowire.Number = 7
	repWroteTable protowire.Number = 8
	repStructural protowire.Number = 9
)

// Value fields. A tab is a nested message holding the path of its table file.
const (
	valKind  protowire.Number = 1
	valStr   protowire.Number = 2
	valInt   protowire.Number = 3
	valFloat protowire.Number = 4
	valBool  protowire.Number = 5
	valList  protowire.Number = 6
	valEntry protowire.Number = 7
	valTab   protowire.Number = 8

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	tabSlug     protowire.Number = 1
	tabName     protowire.Number = 2
	tabPath     protowire.Number = 3
	tabMetadata protowire.Number = 4
)

// fetchRef is a FetchResult on the wire.
type fetchRef struct {
	Path   string               `json:"path"`
	Errors []result.RenderError `json:"errors,omitempty"`
}

// request is one call from the parent to a module process.
type request struct {
	Op         byte
	Module     string
	InputPath  string
	Params     params.Value
	Tab        TabInfo
	Fetch      *result.FetchResult
	OutputPath string
	RawParams  map[string]any
	Secrets    map[string]string
	Prior      *result.FetchResult
	// Fetches is the module spec's declaration, checked by validate.
	Fetches bool
}

// reply is a module process's answer to one request.
type reply struct {
	Metadata   *table.TableMetadata
	Errors     []result.RenderError
	JSON       json.RawMessage
	ModuleErr  string
	Panic      string
	Line       string
	RawParams  map[string]any
	WroteTable bool
	Structural string
}

func appendHeader(b []byte, op byte) []byte {
	b = append(b, wireMagic...)
	return append(b, WireVersion, op)
}

func parseHeader(raw []byte) (byte, []byte, error) {
	if len(raw) < frameHeaderSize {
		return 0, nil, fmt.Errorf("%w: short frame (%d bytes)", ErrProtocol, len(raw))
	}
	if string(raw[:len(wireMagic)]) != string(wireMagic) {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrProtocol)
	}
	if raw[3] != WireVersion {
		return 0, nil, fmt.Errorf("%w: unsupported version %d", ErrProtocol, raw[3])
	}
	op := raw[4]
	if op < opValidate || op > opFetch {
		return 0, nil, fmt.Errorf("%w: unknown op %d", ErrProtocol, op)
	}
	return op, raw[frameHeaderSize:], nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendJSON(b []byte, num protowire.Number, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, data), nil
}

// encodeRequest frames req. writeTab stores a tab's table in a file and
// returns its path.
func encodeRequest(req *request, writeTab func(*params.TabOutput) (string, error)) ([]byte, error) {
	b := appendHeader(nil, req.Op)
	b = appendString(b, reqModule, req.Module)
	b = appendString(b, reqInputPath, req.InputPath)
	b = appendString(b, reqOutputPath, req.OutputPath)
	b = appendString(b, reqTabSlug, req.Tab.Slug)
	b = appendString(b, reqTabName, req.Tab.Name)

	var err error
	if req.Op == opRender || req.Op == opFetch {
		v, verr := appendValue(nil, req.Params, writeTab)
		if verr != nil {
			return nil, verr
		}
		b = protowire.AppendTag(b, reqParams, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}
	if req.Fetch != nil {
		if b, err = appendJSON(b, reqFetch, fetchRef{Path: req.Fetch.Path, Errors: req.Fetch.Errors}); err != nil {
			return nil, err
		}
	}
	if req.Prior != nil {
		if b, err = appendJSON(b, reqPrior, fetchRef{Path: req.Prior.Path, Errors: req.Prior.Errors}); err != nil {
			return nil, err
		}
	}
	if req.RawParams != nil {
		if b, err = appendJSON(b, reqRawParams, req.RawParams); err != nil {
			return nil, err
		}
	}
	if len(req.Secrets) > 0 {
		if b, err = appendJSON(b, reqSecrets, req.Secrets); err != nil {
			return nil, err
		}
	}
	if req.Fetches {
		b = protowire.AppendTag(b, reqFetches, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func appendValue(b []byte, v params.Value, writeTab func(*params.TabOutput) (string, error)) ([]byte, error) {
	b = protowire.AppendTag(b, valKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.Kind))
	switch v.Kind {
	case params.KindString:
		b = protowire.AppendTag(b, valStr, protowire.BytesType)
		b = protowire.AppendString(b, v.Str)
	case params.KindInt:
		b = protowire.AppendTag(b, valInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int))
	case params.KindFloat:
		b = protowire.AppendTag(b, valFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Float))
	case params.KindBool:
		b = protowire.AppendTag(b, valBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.Bool))
	case params.KindList:
		for _, item := range v.List {
			inner, err := appendValue(nil, item, writeTab)
			if err != nil {
				return nil, err
			}
			b = protowire.AppendTag(b, valList, protowire.BytesType)
			b = protowire.AppendBytes(b, inner)
		}
	case params.KindDict:
		for _, k := range v.SortedKeys() {
			inner, err := appendValue(nil, v.Dict[k], writeTab)
			if err != nil {
				return nil, err
			}
			var entry []byte
			entry = appendString(entry, entryKey, k)
			entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
			entry = protowire.AppendBytes(entry, inner)
			b = protowire.AppendTag(b, valEntry, protowire.BytesType)
			b = protowire.AppendBytes(b, entry)
		}
	case params.KindTab:
		path, err := writeTab(v.Tab)
		if err != nil {
			return nil, err
		}
		var tab []byte
		tab = appendString(tab, tabSlug, v.Tab.Slug)
		tab = appendString(tab, tabName, v.Tab.Name)
		tab = appendString(tab, tabPath, path)
		if tab, err = appendJSON(tab, tabMetadata, v.Tab.Metadata); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, valTab, protowire.BytesType)
		b = protowire.AppendBytes(b, tab)
	}
	return b, nil
}

// walkFields visits every field of a protowire message. fn receives the raw
// field value; bytes fields arrive unwrapped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalField(v []byte, out any) error {
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// decodeRequest parses a request frame. readTab loads a tab's table file.
func decodeRequest(raw []byte, readTab func(path string) (*table.Table, error)) (*request, error) {
	op, body, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	req := &request{Op: op}
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case reqModule:
			req.Module = string(v)
		case reqInputPath:
			req.InputPath = string(v)
		case reqOutputPath:
			req.OutputPath = string(v)
		case reqTabSlug:
			req.Tab.Slug = string(v)
		case reqTabName:
			req.Tab.Name = string(v)
		case reqParams:
			pv, err := decodeValue(v, readTab)
			if err != nil {
				return err
			}
			req.Params = pv
		case reqFetch, reqPrior:
			var ref fetchRef
			if err := unmarshalField(v, &ref); err != nil {
				return err
			}
			fr := &result.FetchResult{Path: ref.Path, Errors: ref.Errors}
			if num == reqFetch {
				req.Fetch = fr
			} else {
				req.Prior = fr
			}
		case reqRawParams:
			return unmarshalField(v, &req.RawParams)
		case reqSecrets:
			return unmarshalField(v, &req.Secrets)
		case reqFetches:
			req.Fetches = x != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func decodeValue(raw []byte, readTab func(path string) (*table.Table, error)) (params.Value, error) {
	var v params.Value
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, x uint64) error {
		switch num {
		case valKind:
			v.Kind = params.Kind(x)
		case valStr:
			v.Str = string(b)
		case valInt:
			v.Int = protowire.DecodeZigZag(x)
		case valFloat:
			v.Float = math.Float64frombits(x)
		case valBool:
			v.Bool = protowire.DecodeBool(x)
		case valList:
			item, err := decodeValue(b, readTab)
			if err != nil {
				return err
			}
			v.List = append(v.List, item)
		case valEntry:
			var key string
			var item params.Value
			err := walkFields(b, func(num protowire.Number, typ protowire.Type, eb []byte, _ uint64) error {
				switch num {
				case entryKey:
					key = string(eb)
				case entryValue:
					var err error
					item, err = decodeValue(eb, readTab)
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
			if v.Dict == nil {
				v.Dict = map[string]params.Value{}
			}
			v.Dict[key] = item
		case valTab:
			tab, err := decodeTab(b, readTab)
			if err != nil {
				return err
			}
			v.Tab = tab
		}
		return nil
	})
	if err != nil {
		return params.Value{}, err
	}
	switch v.Kind {
	case params.KindList:
		if v.List == nil {
			v.List = []params.Value{}
		}
	case params.KindDict:
		if v.Dict == nil {
			v.Dict = map[string]params.Value{}
		}
	case params.KindTab:
		if v.Tab == nil {
			return params.Value{}, fmt.Errorf("%w: tab value without tab", ErrProtocol)
		}
	}
	return v, nil
}

func decodeTab(raw []byte, readTab func(path string) (*table.Table, error)) (*params.TabOutput, error) {
	tab := &params.TabOutput{}
	var path string
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		switch num {
		case tabSlug:
			tab.Slug = string(b)
		case tabName:
			tab.Name = string(b)
		case tabPath:
			path = string(b)
		case tabMetadata:
			return unmarshalField(b, &tab.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if path != "" && readTab != nil {
		t, err := readTab(path)
		if err != nil {
			return nil, err
		}
		tab.Table = t
	}
	return tab, nil
}

func encodeReply(op byte, rep *reply) ([]byte, error) {
	b := appendHeader(nil, op)
	var err error
	if rep.Metadata != nil {
		if b, err = appendJSON(b, repMetadata, rep.Metadata); err != nil {
			return nil, err
		}
	}
	if len(rep.Errors) > 0 {
		if b, err = appendJSON(b, repErrors, rep.Errors); err != nil {
			return nil, err
		}
	}
	if len(rep.JSON) > 0 {
		b = protowire.AppendTag(b, repJSON, protowire.BytesType)
		b = protowire.AppendBytes(b, rep.JSON)
	}
	b = appendString(b, repModuleErr, rep.ModuleErr)
	b = appendString(b, repPanic, rep.Panic)
	b = appendString(b, repLine, rep.Line)
	b = appendString(b, repStructural, rep.Structural)
	if rep.RawParams != nil {
		if b, err = appendJSON(b, repRawParams, rep.RawParams); err != nil {
			return nil, err
		}
	}
	if rep.WroteTable {
		b = protowire.AppendTag(b, repWroteTable, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

// decodeReply parses a reply frame and checks that it answers op.
func decodeReply(raw []byte, op byte) (*reply, error) {
	got, body, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if got != op {
		return nil, fmt.Errorf("%w: reply to op %d, want %d", ErrProtocol, got, op)
	}
	rep := &reply{}
	err = walkFields(body, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case repMetadata:
			rep.Metadata = &table.TableMetadata{}
			return unmarshalField(v, rep.Metadata)
		case repErrors:
			return unmarshalField(v, &rep.Errors)
		case repJSON:
			if !json.Valid(v) {
				return fmt.Errorf("%w: reply json is not valid JSON", ErrProtocol)
			}
			rep.JSON = append(json.RawMessage(nil), v...)
		case repModuleErr:
			rep.ModuleErr = string(v)
		case repPanic:
			rep.Panic = string(v)
		case repLine:
			rep.Line = string(v)
		case repStructural:
			rep.Structural = string(v)
		case repRawParams:
			return unmarshalField(v, &rep.RawParams)
		case repWroteTable:
			rep.WroteTable = x != 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}
