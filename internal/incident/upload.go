package incident

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"camrelay/internal/core"
)

// HTTPUploader posts incidents to the external store as signed
// multipart payloads.
type HTTPUploader struct {
	url    string
	secret []byte
	http   *http.Client
}

func NewHTTPUploader(url, secret string, timeout time.Duration) *HTTPUploader {
	return &HTTPUploader{
		url:    url,
		secret: []byte(secret),
		http:   &http.Client{Timeout: timeout},
	}
}

func (u *HTTPUploader) Upload(inc Incident) error {
	timestamps := make([]string, len(inc.Timestamps))
	for i, ts := range inc.Timestamps {
		timestamps[i] = ts.UTC().Format(time.RFC3339)
	}
	tsJSON, err := json.Marshal(timestamps)
	if err != nil {
		return fmt.Errorf("marshal timestamps: %w", err)
	}

	// Signature covers everything except the detections field.
	fields := map[string]string{
		"camera_id":  inc.CameraID,
		"user_id":    inc.UserID,
		"timestamps": string(tsJSON),
	}
	headers, err := SignHeaders(u.secret, fields, time.Now())
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}

	detections := make([][]core.Detection, len(inc.Detections))
	for i, d := range inc.Detections {
		if d == nil {
			d = []core.Detection{}
		}
		detections[i] = d
	}
	detJSON, err := json.Marshal(detections)
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}
	fields["detections"] = string(detJSON)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, value := range map[string]string{
		"camera_id":  fields["camera_id"],
		"user_id":    fields["user_id"],
		"timestamps": fields["timestamps"],
		"detections": fields["detections"],
	} {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}
	for i, frame := range inc.Frames {
		part, err := mw.CreatePart(jpegPartHeader(fmt.Sprintf("frame_%d", i)))
		if err != nil {
			return fmt.Errorf("create frame part: %w", err)
		}
		if _, err := part.Write(frame); err != nil {
			return fmt.Errorf("write frame part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize multipart: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, u.url, &body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("post incident: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("incident store returned %d", resp.StatusCode)
	}
	return nil
}

func jpegPartHeader(field string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s.jpg"`, field, field))
	h.Set("Content-Type", "image/jpeg")
	return h
}
