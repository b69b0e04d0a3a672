package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// VerifyMercadoPagoSignature checks the x-signature header ("ts=...,v1=...") against the
// HMAC-SHA256 of the manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
// Parts of the manifest whose value is empty are omitted, as MercadoPago does.
func VerifyMercadoPagoSignature(signatureHeader, requestID, dataID, secret string) bool {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "ts":
			ts = strings.TrimSpace(kv[1])
		case "v1":
			v1 = strings.TrimSpace(kv[1])
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	expected, err := hex.DecodeString(strings.ToLower(v1))
	if err != nil {
		return false
	}

	return verifyHMAC([]byte(mercadoPagoManifest(dataID, requestID, ts)), expected, []byte(secret), sha256.New)
}

func mercadoPagoManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		// alphanumeric ids are signed lowercased
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// SignMercadoPago builds the x-signature header value MercadoPago would send.
func SignMercadoPago(dataID, requestID, ts, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(mercadoPagoManifest(dataID, requestID, ts)))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
