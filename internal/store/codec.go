package store

import (
	"encoding/json"
	"fmt"

	"github.com/ebusgw/ebusd/ebus"
)

// columns is the on-disk field order for the column-array encoding: a
// header row of field names followed by one row per command, each row a
// JSON array in the same order as the header. This mirrors the compact
// column-array representation eBUS tooling expects for bulk command dumps,
// cheaper to parse than an array of per-field objects at the sizes a full
// command set reaches.
var columns = []string{
	"key", "name", "read_cmd", "write_cmd", "active", "interval",
	"from_master", "position", "datatype", "string_len", "divider", "digits",
	"has_range", "min", "max", "unit", "comment", "display_name",
}

// EncodeColumns renders cmds as the column-array JSON persisted by the
// command store's Save operation.
func EncodeColumns(cmds []*Command) ([]byte, error) {
	rows := make([][]any, 0, len(cmds)+1)
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	rows = append(rows, header)

	for _, c := range cmds {
		rows = append(rows, []any{
			c.Key, c.Name, ebus.ToHex(c.ReadCmd), ebus.ToHex(c.WriteCmd), c.Active, c.Interval,
			c.FromMaster, c.Position, c.Datatype.String(), c.StringLen, c.Divider, c.Digits,
			c.HasRange, c.Min, c.Max, c.Unit, c.Comment, c.DisplayName,
		})
	}
	return json.Marshal(rows)
}

// DecodeColumns parses the column-array JSON back into Commands, tolerating
// a header whose column order differs from the current columns slice (so
// older persisted data stays loadable across schema additions).
func DecodeColumns(data []byte) ([]*Command, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode columns: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(rows[0]))
	for i, raw := range rows[0] {
		if err := json.Unmarshal(raw, &header[i]); err != nil {
			return nil, fmt.Errorf("decode column header: %w", err)
		}
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	cmds := make([]*Command, 0, len(rows)-1)
	for _, row := range rows[1:] {
		cmd, err := decodeRow(index, row)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func decodeRow(index map[string]int, row []json.RawMessage) (*Command, error) {
	get := func(name string) (json.RawMessage, bool) {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return nil, false
		}
		return row[i], true
	}

	c := &Command{}
	if v, ok := get("key"); ok {
		_ = json.Unmarshal(v, &c.Key)
	}
	if v, ok := get("name"); ok {
		_ = json.Unmarshal(v, &c.Name)
	}
	if v, ok := get("read_cmd"); ok {
		var hexStr string
		_ = json.Unmarshal(v, &hexStr)
		c.ReadCmd = ebus.FromHex(hexStr)
	}
	if v, ok := get("write_cmd"); ok {
		var hexStr string
		_ = json.Unmarshal(v, &hexStr)
		c.WriteCmd = ebus.FromHex(hexStr)
	}
	if v, ok := get("active"); ok {
		_ = json.Unmarshal(v, &c.Active)
	}
	if v, ok := get("interval"); ok {
		_ = json.Unmarshal(v, &c.Interval)
	}
	if v, ok := get("from_master"); ok {
		_ = json.Unmarshal(v, &c.FromMaster)
	}
	if v, ok := get("position"); ok {
		_ = json.Unmarshal(v, &c.Position)
	}
	if v, ok := get("datatype"); ok {
		var name string
		_ = json.Unmarshal(v, &name)
		if dt, ok := ebus.ParseDataType(name); ok {
			c.Datatype = dt
		}
	}
	if v, ok := get("string_len"); ok {
		_ = json.Unmarshal(v, &c.StringLen)
	}
	if v, ok := get("divider"); ok {
		_ = json.Unmarshal(v, &c.Divider)
	}
	if v, ok := get("digits"); ok {
		_ = json.Unmarshal(v, &c.Digits)
	}
	if v, ok := get("has_range"); ok {
		_ = json.Unmarshal(v, &c.HasRange)
	}
	if v, ok := get("min"); ok {
		_ = json.Unmarshal(v, &c.Min)
	}
	if v, ok := get("max"); ok {
		_ = json.Unmarshal(v, &c.Max)
	}
	if v, ok := get("unit"); ok {
		_ = json.Unmarshal(v, &c.Unit)
	}
	if v, ok := get("comment"); ok {
		_ = json.Unmarshal(v, &c.Comment)
	}
	if v, ok := get("display_name"); ok {
		_ = json.Unmarshal(v, &c.DisplayName)
	}
	return c, nil
}
