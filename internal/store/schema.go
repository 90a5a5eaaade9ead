package store

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"

	"github.com/ebusgw/ebusd/ebus"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchemaFile(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchemaFile
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func commandSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = jsonschema.Compile("embedFS://schemas/command.schema.json")
	})
	return compiled, compileErr
}

// commandDefinition is the wire shape of an incoming command definition, as
// carried by a broker `insert` message.
type commandDefinition struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	ReadCmd     string  `json:"read_cmd"`
	WriteCmd    string  `json:"write_cmd"`
	Active      bool    `json:"active"`
	Interval    int     `json:"interval"`
	FromMaster  bool    `json:"from_master"`
	Position    int     `json:"position"`
	Datatype    string  `json:"datatype"`
	StringLen   int     `json:"string_len"`
	Divider     float64 `json:"divider"`
	Digits      uint8   `json:"digits"`
	HasRange    bool    `json:"has_range"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Unit        string  `json:"unit"`
	Comment     string  `json:"comment"`
	DisplayName string  `json:"display_name"`
}

// Evaluate validates the shape and semantics of an incoming command
// definition before insertion: a compiled JSON Schema check for shape, plus
// the semantic checks the protocol core itself requires (recognized
// datatype, sane position/divider/digits, non-negative interval). It
// returns a non-empty error string describing the first problem found, or
// "" if the definition is acceptable.
func Evaluate(raw []byte) string {
	schema, err := commandSchema()
	if err != nil {
		return fmt.Sprintf("schema unavailable: %v", err)
	}

	var v interface{}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return fmt.Sprintf("malformed command definition: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Sprintf("command definition failed schema: %v", err)
	}

	var def commandDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return fmt.Sprintf("malformed command definition: %v", err)
	}
	return evaluateSemantics(def)
}

func evaluateSemantics(def commandDefinition) string {
	if def.Key == "" {
		return "key must not be empty"
	}
	if len(ebus.FromHex(def.ReadCmd)) < 3 {
		return "read_cmd must decode to at least ZZ PB SB"
	}
	if def.Interval < 0 {
		return "interval must not be negative"
	}
	if def.Position < 1 {
		return "position must be 1-based (>= 1)"
	}
	if def.StringLen == 0 {
		if _, ok := ebus.ParseDataType(def.Datatype); !ok {
			return fmt.Sprintf("unrecognized datatype %q", def.Datatype)
		}
	}
	if def.HasRange && def.Min > def.Max {
		return "min must not exceed max"
	}
	return ""
}

// BuildCommand converts a definition that has already passed Evaluate into a
// Command ready for Store.Insert.
func BuildCommand(raw []byte) (*Command, error) {
	var def commandDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, err
	}

	dt, _ := ebus.ParseDataType(def.Datatype)
	divider := def.Divider
	if divider == 0 {
		divider = 1
	}

	return &Command{
		Key:         def.Key,
		Name:        def.Name,
		ReadCmd:     ebus.FromHex(def.ReadCmd),
		WriteCmd:    ebus.FromHex(def.WriteCmd),
		Active:      def.Active,
		Interval:    def.Interval,
		FromMaster:  def.FromMaster,
		Position:    def.Position,
		Datatype:    dt,
		StringLen:   def.StringLen,
		Divider:     divider,
		Digits:      def.Digits,
		HasRange:    def.HasRange,
		Min:         def.Min,
		Max:         def.Max,
		Unit:        def.Unit,
		Comment:     def.Comment,
		DisplayName: def.DisplayName,
	}, nil
}
