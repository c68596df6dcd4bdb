package protocol

import "net/url"

// inviteParam is the query parameter carrying the session id in invite links.
const inviteParam = "join"

// InviteLink builds a shareable invite URL from the application base URL.
func InviteLink(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(inviteParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseInvite extracts the session id from an invite URL. The second return
// is false when the URL carries no invite parameter.
func ParseInvite(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	id := u.Query().Get(inviteParam)
	return id, id != ""
}

// StripInvite removes the invite parameter from a URL so a refresh does not
// re-trigger the join flow.
func StripInvite(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Get(inviteParam) == "" {
		return rawURL
	}
	q.Del(inviteParam)
	u.RawQuery = q.Encode()
	return u.String()
}
