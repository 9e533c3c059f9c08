// Package staticfiles answers the plain-https side of the gateway's single
// port: the web client's html/js/assets. One request per connection, then the
// gateway closes the stream.
package staticfiles

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/phuslu/log"
)

var mimeTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
}

type Handler struct {
	root   string
	logger *log.Logger
}

func NewHandler(root string, logger *log.Logger) *Handler {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Handler{
		root:   root,
		logger: logger,
	}
}

// Respond writes a complete http/1.1 response for one request.
func (h *Handler) Respond(w io.Writer, method, reqPath string) error {
	if method != "GET" {
		return writeResponse(w, 405, "Method Not Allowed", "text/plain", []byte("Method Not Allowed"))
	}

	if reqPath == "/" {
		reqPath = "/index.html"
	}
	if q := strings.Index(reqPath, "?"); q >= 0 {
		reqPath = reqPath[:q]
	}
	// keep requests inside the web root
	reqPath = strings.ReplaceAll(reqPath, "..", "")

	fullPath := path.Join(h.root, reqPath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		h.logger.Debug().
			Str("path", reqPath).
			Msgf("could not read file: %v", err)
		return writeResponse(w, 404, "Not Found", "text/plain", []byte("File not found"))
	}

	mimeType, ok := mimeTypes[strings.ToLower(path.Ext(reqPath))]
	if !ok {
		mimeType = "application/octet-stream"
	}

	return writeResponse(w, 200, "OK", mimeType, content)
}

func writeResponse(w io.Writer, statusCode int, statusText, contentType string, body []byte) error {
	header := fmt.Sprintf("HTTP/1.1 %d %s\r\n", statusCode, statusText) +
		fmt.Sprintf("Content-Type: %s\r\n", contentType) +
		fmt.Sprintf("Content-Length: %d\r\n", len(body)) +
		"Connection: close\r\n" +
		"Access-Control-Allow-Origin: *\r\n" +
		"\r\n"

	if _, err := w.Write([]byte(header)); err != nil {
		return fmt.Errorf("could not write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("could not write body: %w", err)
	}
	return nil
}
