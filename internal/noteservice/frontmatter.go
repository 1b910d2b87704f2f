package noteservice

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

const fmDelim = "---"

// frontmatterBlock locates the YAML between the leading delimiters. data[start:end]
// is the block including its trailing newline; data[end:] starts with the
// closing delimiter.
func frontmatterBlock(data []byte) (start, end int, ok bool) {
	off := len(data) - len(bytes.TrimLeft(data, "\r\n"))
	if !bytes.HasPrefix(data[off:], []byte(fmDelim+"\n")) {
		return 0, 0, false
	}
	start = off + len(fmDelim) + 1
	if bytes.HasPrefix(data[start:], []byte(fmDelim)) {
		return start, start, true
	}
	idx := bytes.Index(data[start:], []byte("\n"+fmDelim))
	if idx < 0 {
		return 0, 0, false
	}
	return start, start + idx + 1, true
}

// setFrontmatterField sets key to the string value in the front-matter
// mapping, leaving the body and the other keys alone. ok is false when the
// note has no front matter or it is not a YAML mapping.
func setFrontmatterField(data []byte, key, value string) (out []byte, ok bool, err error) {
	start, end, found := frontmatterBlock(data)
	if !found {
		return data, false, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data[start:end], &doc); err != nil {
		return data, false, nil //nolint:nilerr // unparsable front matter is left as written
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return data, false, nil
	}

	m := doc.Content[0]
	val := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
	replaced := false
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = val
			replaced = true
			break
		}
	}
	if !replaced {
		m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, val)
	}
	// Empty flow mappings ("{}") would otherwise stay on one line.
	m.Style &^= yaml.FlowStyle

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, false, fmt.Errorf("noteservice: front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, false, fmt.Errorf("noteservice: front matter: %w", err)
	}

	out = make([]byte, 0, len(data)+buf.Len())
	out = append(out, data[:start]...)
	out = append(out, buf.Bytes()...)
	out = append(out, data[end:]...)
	return out, true, nil
}

// frontmatterTitle returns the front-matter title, if any.
func frontmatterTitle(data []byte) string {
	start, end, found := frontmatterBlock(data)
	if !found {
		return ""
	}
	var fm struct {
		Title string `yaml:"title"`
	}
	if err := yaml.Unmarshal(data[start:end], &fm); err != nil {
		return ""
	}
	return fm.Title
}
