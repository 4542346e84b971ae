package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"slices"
)

// Upload is a multipart file upload. Fields are sent before the file.
type Upload struct {
	Field    string
	FileName string
	Content  io.Reader
	Fields   map[string]string
}

// Progress receives the bytes sent so far and the total body size.
type Progress func(sent int64, total int64)

// Upload posts a multipart body, reporting progress as the body is
// transmitted. Credentials and failure handling are the same as Do.
func (t *Transport) Upload(
	ctx context.Context,
	target string,
	upload Upload,
	progress Progress,
	out any,
) error {
	body, contentType, err := encodeUpload(upload)
	if err != nil {
		return err
	}
	total := int64(len(body))

	ctx, cancel := t.withTimeout(ctx, 0)
	defer cancel()

	reader := &progressReader{r: bytes.NewReader(body), total: total, fn: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.resolve(target), reader)
	if err != nil {
		return fmt.Errorf("couldn't build upload: %w", err)
	}
	req.ContentLength = total
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", contentType)
	t.authorize(ctx, req, nil)

	resp, err := t.send(req, target)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func encodeUpload(upload Upload) ([]byte, string, error) {
	if upload.Content == nil {
		return nil, "", fmt.Errorf("upload has no content")
	}
	field := upload.Field
	if field == "" {
		field = "file"
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for _, name := range slices.Sorted(maps.Keys(upload.Fields)) {
		if err := writer.WriteField(name, upload.Fields[name]); err != nil {
			return nil, "", fmt.Errorf("couldn't encode upload field '%s': %w", name, err)
		}
	}
	part, err := writer.CreateFormFile(field, upload.FileName)
	if err != nil {
		return nil, "", fmt.Errorf("couldn't encode upload: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return nil, "", fmt.Errorf("couldn't read upload content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("couldn't encode upload: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
