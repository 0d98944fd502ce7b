package transport

import "bytes"

// challengeMarkers are byte sequences seen in known interstitial/challenge
// pages served by edge proxies in front of document sources. A match is a
// strong signal that a "200 OK" response isn't the document it claims to
// be — the transport layer surfaces this so the caller can both classify
// the fetch outcome and flag the source for browser routing.
var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("Checking your browser before accessing"),
	[]byte("Just a moment..."),
	[]byte("AkamaiGHost"),
	[]byte("Access Denied</title>"),
	[]byte("cdn-cgi/challenge-platform"),
}

// LooksLikeChallengePage reports whether body contains a known interstitial
// signature. It is a heuristic, not a parser — false negatives for unknown
// edge vendors are expected and handled by the normal error-classification
// path instead.
func LooksLikeChallengePage(body []byte) bool {
	for _, marker := range challengeMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}
