package bedrock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	sigService = "bedrock"
	algorithm  = "AWS4-HMAC-SHA256"
)

// signer applies AWS SigV4 to outbound requests.
type signer struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
}

func (s *signer) sign(req *http.Request, payload []byte) {
	s.signAt(req, payload, time.Now().UTC())
}

func (s *signer) signAt(req *http.Request, payload []byte, now time.Time) {
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)
	req.Header.Set("X-Amz-Date", amzdate)
	if s.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", s.sessionToken)
	}

	headerNames := []string{"host", "x-amz-date"}
	headerValues := map[string]string{"host": host, "x-amz-date": amzdate}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		headerNames = append([]string{"content-type"}, headerNames...)
		headerValues["content-type"] = ct
	}
	if s.sessionToken != "" {
		headerNames = append(headerNames, "x-amz-security-token")
		headerValues["x-amz-security-token"] = s.sessionToken
	}

	var canonicalHeaders strings.Builder
	for _, name := range headerNames {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(headerValues[name])
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(headerNames, ";")

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		sha256Hex(payload),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, s.region, sigService)
	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(s.secretKey, datestamp, s.region, sigService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, s.accessKey, credentialScope, signedHeaders, signature,
	))
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
