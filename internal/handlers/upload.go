package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"canvascache/internal/cache"
	"canvascache/internal/canvas"
	"canvascache/internal/imageproc"
)

const anonymousUser = "anon"

var errUploadTooLarge = errors.New("upload too large")

// upload is one parsed multipart image request.
type upload struct {
	data []byte
	key  cache.IdentityKey
	opts canvas.Options
}

// readImage parses the multipart form and returns the "image" part.
func readImage(r *http.Request, maxBytes int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errUploadTooLarge
		}
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("image part: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errUploadTooLarge
	}
	return data, nil
}

// parseUpload reads the image, identity and per-call options from r.
func parseUpload(r *http.Request, maxBytes int64) (upload, error) {
	data, err := readImage(r, maxBytes)
	if err != nil {
		return upload{}, err
	}

	kind, err := cache.ParseKind(r.FormValue("kind"))
	if err != nil {
		return upload{}, err
	}

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = anonymousUser
	}

	key := cache.IdentityKey{
		Kind:      kind,
		UserID:    userID,
		ProblemID: r.FormValue("problem_id"),
		SessionID: r.FormValue("session_id"),
	}.Normalize()
	if err := key.Validate(); err != nil {
		return upload{}, err
	}

	opts, err := parseOptions(r)
	if err != nil {
		return upload{}, err
	}
	return upload{data: data, key: key, opts: opts}, nil
}

func parseOptions(r *http.Request) (canvas.Options, error) {
	var opts canvas.Options
	var err error

	if opts.SimilarityThreshold, err = formFloat(r, "threshold"); err != nil {
		return opts, err
	}
	if opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1 {
		return opts, fmt.Errorf("threshold must be between 0 and 1")
	}
	if opts.ForceQuality, err = imageproc.ParseQuality(r.FormValue("force_quality")); err != nil {
		return opts, err
	}
	if opts.MaxDimensions.Width, err = formInt(r, "max_width"); err != nil {
		return opts, err
	}
	if opts.MaxDimensions.Height, err = formInt(r, "max_height"); err != nil {
		return opts, err
	}

	// ttl_seconds=0 asks for no entry at all; absent keeps the kind default.
	if v := strings.TrimSpace(r.FormValue("ttl_seconds")); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return opts, fmt.Errorf("ttl_seconds must be a non-negative integer")
		}
		if secs == 0 {
			opts.TTL = -1
		} else {
			opts.TTL = time.Duration(secs) * time.Second
		}
	}
	return opts, nil
}

func formFloat(r *http.Request, name string) (float64, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return f, nil
}

func formInt(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// uploadError maps parse failures to a status code.
func uploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUploadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "upload_too_large", err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
}
