package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomchat/internal/storage"
)

const (
	httpTimeout   = 10 * time.Second
	uploadTimeout = 2 * time.Minute
)

var errRoomNotFound = errors.New("room not found")

// endpoints are the server URLs the client talks to, derived from a single
// server address.
type endpoints struct {
	httpBase string // http(s)://host[:port]
	wsURL    string // ws(s)://host[:port]/ws
}

// resolveEndpoints accepts an http(s) or ws(s) server address. A ws(s)
// address that carries a path keeps it as the websocket path.
func resolveEndpoints(server, wsPath string) (endpoints, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return endpoints{}, errors.New("server URL is required")
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	parsed, err := url.Parse(server)
	if err != nil {
		return endpoints{}, err
	}
	if parsed.Host == "" {
		return endpoints{}, fmt.Errorf("server URL %q has no host", server)
	}
	if wsPath == "" {
		wsPath = "/ws"
	}
	var httpScheme, wsScheme string
	switch parsed.Scheme {
	case "http", "ws":
		httpScheme, wsScheme = "http", "ws"
	case "https", "wss":
		httpScheme, wsScheme = "https", "wss"
	default:
		return endpoints{}, fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	if (parsed.Scheme == "ws" || parsed.Scheme == "wss") && strings.Trim(parsed.Path, "/") != "" {
		wsPath = parsed.Path
	}
	if !strings.HasPrefix(wsPath, "/") {
		wsPath = "/" + wsPath
	}
	host := parsed.Host
	return endpoints{
		httpBase: httpScheme + "://" + host,
		wsURL:    wsScheme + "://" + host + wsPath,
	}, nil
}

// joinURL is the websocket URL that joins roomID on connect.
func (e endpoints) joinURL(roomID string) string {
	if roomID == "" {
		return e.wsURL
	}
	return e.wsURL + "?room=" + url.QueryEscape(roomID)
}

// absolute turns a server-relative reference such as /uploads/x into a full URL.
func (e endpoints) absolute(ref string) string {
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return e.httpBase + ref
}

func apiCreateRoom(client *http.Client, base string) (string, error) {
	var resp createRoomResponse
	if err := doJSONRequest(client, http.MethodPost, base+"/create-room", nil, &resp); err != nil {
		return "", err
	}
	if resp.RoomID == "" {
		return "", errors.New("server returned no room id")
	}
	return resp.RoomID, nil
}

func apiRoomExists(client *http.Client, base, roomID string) (bool, error) {
	resp, err := client.Get(base + "/exists?room=" + url.QueryEscape(roomID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
}

func apiPostMessage(client *http.Client, base, roomID string, req PostRequest) (storage.Message, error) {
	var stored storage.Message
	endpoint := base + "/rooms/" + url.PathEscape(roomID) + "/messages"
	err := doJSONRequest(client, http.MethodPost, endpoint, req, &stored)
	return stored, err
}

// apiUpload sends the file at path as multipart field "file".
func apiUpload(client *http.Client, base, path string) (uploadResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return uploadResponse{}, err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, file)
		}
		if err == nil {
			err = writer.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequest(http.MethodPost, base+"/upload", pr)
	if err != nil {
		_ = pr.Close()
		return uploadResponse{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	uploader := *client
	uploader.Timeout = uploadTimeout
	resp, err := uploader.Do(req)
	if err != nil {
		return uploadResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return uploadResponse{}, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, readResponseError(resp.Body))
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uploadResponse{}, err
	}
	return out, nil
}

func doJSONRequest(client *http.Client, method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errRoomNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}
