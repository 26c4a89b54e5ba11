package handelsregister

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Response is a completed exchange with the portal.
type Response struct {
	Url        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) mediaType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return mediaType
}

// IsHTML reports whether the response is a page (and not an attachment or a
// partial update).
func (r *Response) IsHTML() bool {
	if _, ok := r.Attachment(); ok {
		return false
	}
	switch mediaType := r.mediaType(); mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	case "":
		return bytes.HasPrefix(bytes.TrimSpace(r.Body), []byte("<"))
	}
	return false
}

// Attachment returns the body as a file if the response carries an
// attachment disposition. The filename is empty if the server omitted it.
func (r *Response) Attachment() (DownloadedFile, bool) {
	cd := r.Header.Get("Content-Disposition")
	if cd == "" {
		return DownloadedFile{}, false
	}

	disposition, params, err := mime.ParseMediaType(cd)
	if err != nil {
		// some servers send unquoted filenames with spaces
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(cd)), "attachment") {
			return DownloadedFile{}, false
		}
		params = lenientDispositionParams(cd)
	} else if disposition != "attachment" {
		return DownloadedFile{}, false
	}

	filename := params["filename"]
	if filename != "" {
		filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	}
	return DownloadedFile{Filename: filename, Content: r.Body}, true
}

func lenientDispositionParams(cd string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(cd, ";")[1:] {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(key))] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return out
}
