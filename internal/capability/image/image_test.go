package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdimage "image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := stdimage.NewNRGBA(stdimage.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 100, A: 200})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer draw-key", r.Header.Get("Authorization"))

		var req generationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dall-e-3", req.Model)
		assert.Equal(t, "1024x1024", req.Size)
		assert.Equal(t, 1, req.N)
		assert.Contains(t, req.Prompt, "illustration")

		fmt.Fprint(w, `{"data":[{"url":"https://img.example/tmp.png"}]}`)
	}))
	defer srv.Close()

	g := NewGenerator(GeneratorConfig{BaseURL: srv.URL + "/", APIKey: "draw-key"})
	url, err := g.Generate(context.Background(), "an illustration")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/tmp.png", url)
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http error", http.StatusBadRequest, `content policy`, "status 400"},
		{"api error", http.StatusOK, `{"error":{"message":"safety"}}`, "safety"},
		{"empty data", http.StatusOK, `{"data":[]}`, ErrNoImage.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewGenerator(GeneratorConfig{BaseURL: srv.URL}).Generate(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUpload(t *testing.T) {
	source := pngBytes(t)
	var uploadedName string

	mux := http.NewServeMux()
	mux.HandleFunc("/tmp.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(source)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sm-key", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("smfile")
		require.NoError(t, err)
		defer file.Close()
		uploadedName = header.Filename

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		_, format, err := stdimage.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)

		fmt.Fprint(w, `{"success":true,"data":{"url":"https://i.host/abc.jpg"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := NewUploader(UploaderConfig{UploadURL: srv.URL + "/upload", APIKey: "sm-key"})
	url, name, err := u.Upload(context.Background(), srv.URL+"/tmp.png")
	require.NoError(t, err)

	assert.Equal(t, "https://i.host/abc.jpg", url)
	assert.Len(t, name, 36)
	assert.Equal(t, name+".jpg", uploadedName)
}

func TestUploadRepeatedImage(t *testing.T) {
	source := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/img", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(source) })
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"code":"image_repeated","message":"exists","images":"https://i.host/old.jpg","data":""}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url, _, err := NewUploader(UploaderConfig{UploadURL: srv.URL + "/upload"}).Upload(context.Background(), srv.URL+"/img")
	require.NoError(t, err)
	assert.Equal(t, "https://i.host/old.jpg", url)
}

func TestUploadFailures(t *testing.T) {
	source := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/img", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write(source) })
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "not an image") })
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/reject", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"code":"flood","message":"too many uploads"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tests := []struct {
		name    string
		source  string
		upload  string
		wantErr string
	}{
		{"download 404", "/gone", "/reject", "status 404"},
		{"undecodable", "/text", "/reject", "failed to decode image"},
		{"host rejects", "/img", "/reject", "too many uploads"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewUploader(UploaderConfig{UploadURL: srv.URL + tt.upload})
			_, _, err := u.Upload(context.Background(), srv.URL+tt.source)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestReencodeQuality(t *testing.T) {
	src := stdimage.NewRGBA(stdimage.Rect(0, 0, 64, 64))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7)
	}
	var raw bytes.Buffer
	require.NoError(t, jpeg.Encode(&raw, src, &jpeg.Options{Quality: 100}))

	low, err := NewUploader(UploaderConfig{JPEGQuality: 30}).reencode(raw.Bytes())
	require.NoError(t, err)
	high, err := NewUploader(UploaderConfig{JPEGQuality: 95}).reencode(raw.Bytes())
	require.NoError(t, err)

	assert.Less(t, len(low), len(high))
}

func TestNewUploaderDefaults(t *testing.T) {
	u := NewUploader(UploaderConfig{JPEGQuality: 500})
	assert.Equal(t, 30, u.quality)
	assert.Equal(t, "https://sm.ms/api/v2/upload", u.uploadURL)
}
