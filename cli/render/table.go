package render

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	timeType    = reflect.TypeFor[time.Time]()
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// writeTable writes a slice as a header plus one row per element, and
// anything else as "key: value" lines. With color set the header row of a
// slice is bold.
func writeTable(out io.Writer, data any, color bool) error {
	v := indirect(reflect.ValueOf(data))
	if k := v.Kind(); k == reflect.Slice || k == reflect.Array {
		if v.Len() == 0 {
			_, err := fmt.Fprintln(out, "(no results)")
			return err
		}
		cols := columns(indirect(v.Index(0)))
		rows := [][]string{cols}
		for i := range v.Len() {
			rows = append(rows, cells(indirect(v.Index(i)), cols))
		}
		return writeGrid(out, rows, color)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	switch v.Kind() {
	case reflect.Struct, reflect.Map:
		var pairs [][2]string
		flatten(&pairs, "", v)
		for _, p := range pairs {
			fmt.Fprintf(w, "%s:\t%s\n", p[0], p[1])
		}
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

// writeGrid aligns rows into columns two spaces apart. Widths are measured
// on the plain text so a styled header does not skew them.
func writeGrid(out io.Writer, rows [][]string, color bool) error {
	var widths []int
	for _, row := range rows {
		for i, c := range row {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}
	for r, row := range rows {
		var line strings.Builder
		for i, c := range row {
			text := c
			if r == 0 && color {
				text = headerStyle.Render(c)
			}
			line.WriteString(text)
			if i < len(row)-1 {
				line.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		line.WriteByte('\n')
		if _, err := io.WriteString(out, line.String()); err != nil {
			return err
		}
	}
	return nil
}

// flatten appends one key/value pair per leaf of v. Struct fields nest as
// dotted keys; nil pointers are dropped.
func flatten(pairs *[][2]string, prefix string, v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		if v.Type() == timeType {
			*pairs = append(*pairs, [2]string{strings.TrimSuffix(prefix, "."), cell(v)})
			return
		}
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if hidden(f) {
				continue
			}
			fv := v.Field(i)
			if fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				fv = fv.Elem()
			}
			name := prefix + fieldName(f)
			if fv.Kind() == reflect.Struct {
				flatten(pairs, name+".", fv)
				continue
			}
			*pairs = append(*pairs, [2]string{name, cell(fv)})
		}
	case reflect.Map:
		for _, k := range mapKeys(v) {
			*pairs = append(*pairs, [2]string{prefix + k, cell(mapIndex(v, k))})
		}
	}
}

func columns(v reflect.Value) []string {
	switch v.Kind() {
	case reflect.Struct:
		var cols []string
		for _, f := range reflect.VisibleFields(v.Type()) {
			if len(f.Index) == 1 && !hidden(f) {
				cols = append(cols, fieldName(f))
			}
		}
		return cols
	case reflect.Map:
		return mapKeys(v)
	default:
		return []string{"value"}
	}
}

func cells(v reflect.Value, cols []string) []string {
	out := make([]string, 0, len(cols))
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if !hidden(t.Field(i)) {
				out = append(out, cell(v.Field(i)))
			}
		}
	case reflect.Map:
		for _, c := range cols {
			out = append(out, cell(mapIndex(v, c)))
		}
	default:
		out = append(out, cell(v))
	}
	return out
}

// cell formats one value. Collections collapse to their size.
func cell(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		return cell(v.Elem())
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		if v.Type() == timeType {
			return v.Interface().(time.Time).Format(time.RFC3339)
		}
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func hidden(f reflect.StructField) bool {
	return !f.IsExported() || f.Tag.Get("json") == "-"
}

// fieldName is the json name of f, or its lower-cased Go name.
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}

func mapKeys(v reflect.Value) []string {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		if k.Kind() == reflect.String {
			keys = append(keys, k.String())
		}
	}
	sort.Strings(keys)
	return keys
}

func mapIndex(v reflect.Value, key string) reflect.Value {
	return v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}
