package server

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"time"

	twilio "github.com/agentplexus/convai-twilio"
	"github.com/agentplexus/convai-twilio/signature"
)

const maxWebhookBody = 1 << 20

// verifyTelephony rejects Twilio webhooks whose X-Twilio-Signature does not
// match. The signed URL is the public URL Twilio was given, not the one the
// request arrived on.
func (s *Server) verifyTelephony(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form", http.StatusBadRequest)
			return
		}

		fullURL := s.cfg.Server.PublicURL + r.URL.RequestURI()
		if !s.checkTelephony(w, r, fullURL, r.PostForm) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyStream checks the signature Twilio puts on the Media Streams upgrade
// request, so a forged socket never reaches the pending initiation data.
func (s *Server) verifyStream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fullURL := s.cfg.Server.PublicWSURL + r.URL.RequestURI()
		if !s.checkTelephony(w, r, fullURL, nil) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkTelephony(w http.ResponseWriter, r *http.Request, fullURL string, form url.Values) bool {
	if !s.cfg.Twilio.SignaturesEnabled() {
		return true
	}
	err := signature.VerifyTelephony(s.cfg.Twilio.AuthToken, fullURL, r.Method,
		r.Header.Get("Content-Type"), form, r.Header.Get(twilio.TwilioSignatureHeader))
	if err != nil {
		s.logger.Warn("rejected telephony request", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), signature.StatusCode(err))
		return false
	}
	return true
}

// verifyPlatform checks the ElevenLabs-Signature header against the raw body
// and hands the body on unchanged.
func (s *Server) verifyPlatform(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		err = signature.VerifyPlatform(s.cfg.ElevenLabs.WebhookSecret,
			r.Header.Get(twilio.ElevenLabsSignatureHeader), body, time.Now(), s.cfg.ElevenLabs.WebhookTolerance)
		if err != nil {
			s.logger.Warn("rejected platform webhook", "path", r.URL.Path, "error", err)
			http.Error(w, err.Error(), signature.StatusCode(err))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
