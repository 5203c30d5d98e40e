// Package main is an end-to-end smoke test against a running courier server.
//
// It registers an owner and a user, opens the owner feed, uploads a file
// encrypted to the owner's key, fetches and decrypts it as the owner and then
// destroys it, asserting the feed events along the way.
package main

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const subprotocol = "courier.feed.v1"

type event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	Owner       *struct {
		ID string `json:"id"`
	} `json:"owner"`
}

type smoke struct {
	base    string
	http    *http.Client
	timeout time.Duration
	verbose bool
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "server base URL")
		text    = flag.String("text", "quarterly report, page 1", "plaintext to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	s := &smoke{
		base:    strings.TrimRight(*baseURL, "/"),
		http:    &http.Client{Timeout: *timeout},
		timeout: *timeout,
		verbose: *verbose,
	}
	if err := s.run(context.Background(), []byte(*text)); err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func (s *smoke) run(ctx context.Context, plaintext []byte) error {
	suffix := time.Now().UTC().Format("20060102150405.000000000")

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	var owner authResponse
	if err := s.postJSON(ctx, "/api/owners/register", "", map[string]string{
		"email": "owner-" + suffix + "@smoke.test", "password": "Smoke-Test-Passw0rd!", "public_key": pubPEM,
	}, http.StatusCreated, &owner); err != nil {
		return fmt.Errorf("owner register: %w", err)
	}
	if owner.Owner == nil {
		return errors.New("owner register: no owner in response")
	}
	var user authResponse
	if err := s.postJSON(ctx, "/api/auth/register", "", map[string]string{
		"email": "user-" + suffix + "@smoke.test", "password": "Smoke-Test-Passw0rd!",
	}, http.StatusCreated, &user); err != nil {
		return fmt.Errorf("user register: %w", err)
	}
	s.logf("registered owner=%s", owner.Owner.ID)

	conn, err := s.dialFeed(ctx, owner.AccessToken)
	if err != nil {
		return fmt.Errorf("feed dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	if _, err := s.expect(ctx, conn, "feed.ready"); err != nil {
		return err
	}

	fileID, err := s.upload(ctx, user.AccessToken, owner.Owner.ID, &priv.PublicKey, plaintext)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	s.logf("uploaded file=%s", fileID)

	if err := s.expectFile(ctx, conn, "file.received", fileID); err != nil {
		return err
	}

	if err := s.fetchAndDecrypt(ctx, owner.AccessToken, fileID, priv, plaintext); err != nil {
		return fmt.Errorf("print: %w", err)
	}

	if err := s.do(ctx, http.MethodDelete, "/api/files/"+fileID, owner.AccessToken, "", nil, http.StatusOK, nil); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	if err := s.expectFile(ctx, conn, "file.destroyed", fileID); err != nil {
		return err
	}

	// Ciphertext is gone after destroy.
	if err := s.do(ctx, http.MethodGet, "/api/print/"+fileID, owner.AccessToken, "", nil, http.StatusNotFound, nil); err != nil {
		return fmt.Errorf("print after destroy: %w", err)
	}
	return nil
}

func (s *smoke) upload(ctx context.Context, token, ownerID string, pub *rsa.PublicKey, plaintext []byte) (string, error) {
	key := make([]byte, 32)
	iv := make([]byte, 12)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"owner_id":                ownerID,
		"file_name":               "smoke.txt",
		"iv_vector":               base64.StdEncoding.EncodeToString(iv),
		"auth_tag":                base64.StdEncoding.EncodeToString(tag),
		"encrypted_symmetric_key": base64.StdEncoding.EncodeToString(wrapped),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	fw, err := mw.CreateFormFile("file", "smoke.txt.enc")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(ct); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		FileID string `json:"file_id"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/upload", token, mw.FormDataContentType(), &body, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.FileID, nil
}

func (s *smoke) fetchAndDecrypt(ctx context.Context, token, fileID string, priv *rsa.PrivateKey, want []byte) error {
	var f struct {
		Ciphertext string `json:"encrypted_file_data"`
		IV         string `json:"iv_vector"`
		AuthTag    string `json:"auth_tag"`
		WrappedKey string `json:"encrypted_symmetric_key"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/print/"+fileID, token, "", nil, http.StatusOK, &f); err != nil {
		return err
	}

	decode := base64.StdEncoding.DecodeString
	ct, err1 := decode(f.Ciphertext)
	iv, err2 := decode(f.IV)
	tag, err3 := decode(f.AuthTag)
	wrapped, err4 := decode(f.WrappedKey)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return fmt.Errorf("decode fields: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return fmt.Errorf("unwrap key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	got, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("plaintext mismatch: %q", got)
	}
	s.logf("decrypted %d bytes", len(got))
	return nil
}

func (s *smoke) dialFeed(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(s.base + "/api/owners/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, resp, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	if conn.Subprotocol() != subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol")
		return nil, fmt.Errorf("negotiated subprotocol %q", conn.Subprotocol())
	}
	return conn, nil
}

func (s *smoke) expect(ctx context.Context, conn *websocket.Conn, typ string) (event, error) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for {
		_, data, err := conn.Read(rctx)
		if err != nil {
			return event{}, fmt.Errorf("waiting for %s: %w", typ, err)
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			return event{}, fmt.Errorf("bad frame: %w", err)
		}
		s.logf("feed <- %s", ev.Type)
		if ev.Type == typ {
			return ev, nil
		}
	}
}

func (s *smoke) expectFile(ctx context.Context, conn *websocket.Conn, typ, fileID string) error {
	ev, err := s.expect(ctx, conn, typ)
	if err != nil {
		return err
	}
	var p struct {
		FileID string `json:"file_id"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return err
	}
	if p.FileID != fileID {
		return fmt.Errorf("%s for %q, want %q", typ, p.FileID, fileID)
	}
	return nil
}

func (s *smoke) postJSON(ctx context.Context, path, token string, in any, want int, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, path, token, "application/json", bytes.NewReader(b), want, out)
}

func (s *smoke) do(ctx context.Context, method, path, token, contentType string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d want %d: %s", method, path, resp.StatusCode, want, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (s *smoke) logf(format string, args ...any) {
	if s.verbose {
		fmt.Printf(format+"\n", args...)
	}
}
