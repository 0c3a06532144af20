package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// oauthParams builds the protocol parameter set for one signed request.
func oauthParams(consumerKey string) map[string]string {
	return map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        fmt.Sprintf("%d", time.Now().Unix()),
		"oauth_version":          "1.0",
	}
}

func nonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to the clock rather than aborting the request.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// percentEncode applies the RFC 3986 encoding OAuth requires, which is
// stricter than url.QueryEscape (spaces become %20, not +).
func percentEncode(s string) string {
	encoded := url.QueryEscape(s)
	encoded = strings.ReplaceAll(encoded, "+", "%20")
	encoded = strings.ReplaceAll(encoded, "*", "%2A")
	encoded = strings.ReplaceAll(encoded, "%7E", "~")
	return encoded
}

// signatureBase assembles the OAuth 1.0 signature base string for a POST
// to endpoint with the given combined parameter set.
func signatureBase(endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(params))
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}

	normalized := endpoint
	if u, err := url.Parse(endpoint); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		normalized = u.String()
	}

	return "POST&" + percentEncode(normalized) + "&" + percentEncode(strings.Join(pairs, "&"))
}

func sign(base, consumerSecret string) string {
	key := percentEncode(consumerSecret) + "&"
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignForm signs a form-encoded POST: the form fields participate in the
// base string and the oauth parameters are returned merged with them for
// transmission in the request body.
func SignForm(endpoint, consumerKey, consumerSecret string, form map[string]string) url.Values {
	params := oauthParams(consumerKey)
	combined := make(map[string]string, len(params)+len(form))
	for k, v := range params {
		combined[k] = v
	}
	for k, v := range form {
		combined[k] = v
	}

	combined["oauth_signature"] = sign(signatureBase(endpoint, combined), consumerSecret)

	values := url.Values{}
	for k, v := range combined {
		values.Set(k, v)
	}
	return values
}

// SignBody signs a POST carrying an opaque body: the body participates via
// oauth_body_hash and the oauth parameters travel in the Authorization
// header.
func SignBody(endpoint, consumerKey, consumerSecret, body string) string {
	params := oauthParams(consumerKey)

	digest := sha1.Sum([]byte(body))
	params["oauth_body_hash"] = base64.StdEncoding.EncodeToString(digest[:])

	params["oauth_signature"] = sign(signatureBase(endpoint, params), consumerSecret)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(params))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, percentEncode(k), percentEncode(params[k])))
	}
	return "OAuth " + strings.Join(pairs, ", ")
}
