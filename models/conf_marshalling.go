// conf marshalling
package models

import (
	"bufio"
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

const (
	nameTag       = "conf"
	singleLineTag = "singleline"
	listSeparator = ", "
)

type Metadata struct {
	name            string
	arrayKind       bool
	encodeBase64    bool
	singleArrayLine bool
	structKind      bool
	sectionArray    bool
}

func getMetaData(rsf reflect.StructField) (meta Metadata) {
	rsfT := rsf.Type
	meta.name = rsf.Tag.Get(nameTag)

	if meta.name == "" {
		meta.name = rsf.Name
	}

	switch rsfT.Kind() {
	case reflect.Array, reflect.Slice:
		meta.arrayKind = true
		switch rsfT.Elem().Kind() {
		case reflect.String:
			meta.singleArrayLine = rsf.Tag.Get(singleLineTag) == "true"
		case reflect.Uint8:
			meta.encodeBase64 = true
		case reflect.Struct:
			meta.sectionArray = true
		}
	case reflect.Struct:
		meta.structKind = true
	}

	return
}

func writeBufferString(buffer *bytes.Buffer, str string) error {
	if _, err := buffer.WriteString(str); err != nil {
		return err
	}
	return nil
}

func handlePrimitve(buffer *bytes.Buffer, rv reflect.Value, meta Metadata) error {
	switch rv.Kind() {
	case reflect.String:
		if rv.String() == "" {
			return nil
		}
		if err := checkValue(meta, rv.String()); err != nil {
			return err
		}
		return writeBufferString(buffer, fmt.Sprintf("%s = %s\n", meta.name, rv.String()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// zero means "unset" for every numeric key of the format
		if rv.Int() == 0 {
			return nil
		}
		return writeBufferString(buffer, fmt.Sprintf("%s = %d\n", meta.name, rv.Int()))
	default:
		panic(fmt.Sprintf("conf: unsupported primitive kind %s for %s", rv.Kind(), meta.name))
	}
}

// checkValue keeps a value on its own line; a newline would start a new key.
func checkValue(meta Metadata, v string) error {
	if strings.ContainsAny(v, "\r\n") {
		return fmt.Errorf("conf: %s value %q spans lines", meta.name, v)
	}
	return nil
}

func handleSingleArrayString(buffer *bytes.Buffer, rv reflect.Value, meta Metadata) error {
	if rv.Len() == 0 {
		return nil
	}

	items := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i).String()
		if err := checkValue(meta, item); err != nil {
			return err
		}
		items = append(items, item)
	}
	return writeBufferString(buffer, fmt.Sprintf("%s = %s\n", meta.name, strings.Join(items, listSeparator)))
}

func handleByteArray(buffer *bytes.Buffer, rv reflect.Value, meta Metadata) error {
	if rv.Len() == 0 {
		return nil
	}
	return writeBufferString(buffer, fmt.Sprintf("%s = %s\n", meta.name, Key(rv.Bytes()).String()))
}

func handleArray(buffer *bytes.Buffer, rv reflect.Value, meta Metadata) error {
	if meta.encodeBase64 {
		return handleByteArray(buffer, rv, meta)
	} else if meta.singleArrayLine {
		return handleSingleArrayString(buffer, rv, meta)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := handlePrimitve(buffer, rv.Index(i), meta); err != nil {
			return err
		}
	}
	return nil
}

// handleSection writes one [name] block; blocks are separated by one blank
// line and the output never ends in blank lines.
func handleSection(buffer *bytes.Buffer, rv reflect.Value, meta Metadata) error {
	if buffer.Len() > 0 {
		if err := writeBufferString(buffer, "\n"); err != nil {
			return err
		}
	}
	if err := writeBufferString(buffer, fmt.Sprintf("[%s]\n", meta.name)); err != nil {
		return err
	}

	rvT := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		fieldMeta := getMetaData(rvT.Field(i))
		val := rv.Field(i)
		var err error
		switch {
		case fieldMeta.structKind || fieldMeta.sectionArray:
			panic("conf: nested sections are not supported")
		case fieldMeta.arrayKind:
			err = handleArray(buffer, val, fieldMeta)
		default:
			err = handlePrimitve(buffer, val, fieldMeta)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func confMarshallStruct(v any) (text []byte, err error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Struct {
		panic("conf: only called on struct")
	}
	rvT := rv.Type()

	var buffer bytes.Buffer
	for i := 0; i < rv.NumField(); i++ {
		val := rv.Field(i)
		meta := getMetaData(rvT.Field(i))
		switch {
		case meta.structKind:
			err = handleSection(&buffer, val, meta)
		case meta.sectionArray:
			for j := 0; j < val.Len() && err == nil; j++ {
				err = handleSection(&buffer, val.Index(j), meta)
			}
		default:
			panic("conf: top level fields must be sections")
		}
		if err != nil {
			return nil, err
		}
	}
	return buffer.Bytes(), nil
}

func lineError(line int, format string, args ...any) error {
	return &ValidationError{Field: "config", Reason: fmt.Sprintf("line %d: ", line) + fmt.Sprintf(format, args...)}
}

func setField(section reflect.Value, key, value string) error {
	sectionT := section.Type()
	for i := 0; i < section.NumField(); i++ {
		meta := getMetaData(sectionT.Field(i))
		if !strings.EqualFold(meta.name, key) {
			continue
		}
		f := section.Field(i)
		switch {
		case meta.encodeBase64:
			if value == "" {
				return nil
			}
			k, err := ParseKey(value)
			if err != nil {
				return err
			}
			f.SetBytes(k)
		case meta.singleArrayLine:
			for _, item := range strings.Split(value, ",") {
				if item = strings.TrimSpace(item); item != "" {
					f.Set(reflect.Append(f, reflect.ValueOf(item)))
				}
			}
		case meta.arrayKind:
			f.Set(reflect.Append(f, reflect.ValueOf(value)))
		case f.Kind() == reflect.String:
			f.SetString(value)
		case f.CanInt():
			if value == "" {
				return nil
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%s is not a number", meta.name)
			}
			f.SetInt(n)
		}
		return nil
	}
	// keys such as PostUp or Table are wg-quick hooks and not managed here
	return nil
}

func confUnmarshallStruct(text []byte, v any) error {
	rv := reflect.ValueOf(v).Elem()
	rvT := rv.Type()

	sections := make(map[string]int, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		sections[strings.ToLower(getMetaData(rvT.Field(i)).name)] = i
	}
	seen := make(map[int]bool)

	var current reflect.Value
	scanner := bufio.NewScanner(bytes.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return lineError(lineNo, "malformed section header %q", line)
			}
			name := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			idx, ok := sections[name]
			if !ok {
				return lineError(lineNo, "unknown section %q", line)
			}
			f := rv.Field(idx)
			if f.Kind() == reflect.Struct {
				if seen[idx] {
					return lineError(lineNo, "duplicate section %q", line)
				}
				current = f
			} else {
				f.Set(reflect.Append(f, reflect.New(f.Type().Elem()).Elem()))
				current = f.Index(f.Len() - 1)
			}
			seen[idx] = true
			continue
		}

		if !current.IsValid() {
			return lineError(lineNo, "key outside of a section")
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return lineError(lineNo, "expected key = value")
		}
		if err := setField(current, strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return lineError(lineNo, "%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for i := 0; i < rv.NumField(); i++ {
		meta := getMetaData(rvT.Field(i))
		if meta.structKind && !seen[i] {
			return &ValidationError{Field: "config", Reason: fmt.Sprintf("missing [%s] section", meta.name)}
		}
	}
	return nil
}

// --- TextMarshaler implemented by types ---
func (v Conf) MarshalText() (text []byte, err error) {
	return confMarshallStruct(v)
}

func (v *Conf) UnmarshalText(text []byte) error {
	return confUnmarshallStruct(text, v)
}
