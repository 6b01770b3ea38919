package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
)

// Content types assigned to body kinds that carry one implicitly.
const (
	contentTypeText = "text/plain;charset=UTF-8"
	contentTypeForm = "application/x-www-form-urlencoded;charset=UTF-8"
	contentTypeJSON = "application/json"
)

// MultipartFile is one file part of a MultipartBody.
type MultipartFile struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// MultipartBody is a multipart/form-data request body. Fields are written in
// key order, then files in slice order.
type MultipartBody struct {
	Fields url.Values
	Files  []MultipartFile
}

func (m *MultipartBody) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range m.Fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
	}

	for _, f := range m.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", multipart.FileContentDisposition(f.Field, f.Filename))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// NormalizeBody converts a request body into the exact bytes to send and
// sign, plus the content type the body implies. An empty content type means
// the body kind carries none and the caller's header, if any, applies.
//
// Accepted kinds: nil, string, []byte, json.RawMessage, url.Values,
// *MultipartBody, io.Reader, and any other value, which is JSON encoded.
func NormalizeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), contentTypeText, nil
	case json.RawMessage:
		return []byte(b), contentTypeJSON, nil
	case []byte:
		return b, "", nil
	case url.Values:
		return []byte(b.Encode()), contentTypeForm, nil
	case *MultipartBody:
		return b.encode()
	case io.Reader:
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, "", fmt.Errorf("read request body: %w", err)
		}
		return data, "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return data, contentTypeJSON, nil
	}
}
