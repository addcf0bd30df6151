package browser

import (
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestLooksChallenged(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		title string
		html  string
		want  bool
	}{
		{
			name:  "clean article page",
			title: "Quarterly earnings review",
			html:  "<html><body><article>Revenue grew 12%.</article></body></html>",
			want:  false,
		},
		{
			name:  "cloudflare interstitial title",
			title: "Just a moment...",
			html:  "<html><body></body></html>",
			want:  true,
		},
		{
			name:  "captcha form in body",
			title: "雪球",
			html:  `<html><body><div class="captcha-box">please verify</div></body></html>`,
			want:  true,
		},
		{
			name:  "chinese verification marker",
			title: "安全验证",
			html:  "<html><body>请输入验证码</body></html>",
			want:  true,
		},
		{
			name:  "server side block",
			title: "403 Forbidden",
			html:  "<html><body><h1>403 Forbidden</h1></body></html>",
			want:  true,
		},
		{
			name:  "empty page",
			title: "",
			html:  "",
			want:  false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, LooksChallenged(tc.title, tc.html))
		})
	}
}

func TestCookieHelpers(t *testing.T) {
	t.Parallel()

	cookies := []*network.Cookie{
		{Name: "xq_a_token", Value: "abc123"},
		{Name: "u", Value: "991"},
	}

	require.Equal(t, "xq_a_token=abc123; u=991", cookieHeader(cookies))
	require.True(t, hasCookie(cookies, "xq_a_token"))
	require.False(t, hasCookie(cookies, "xq_r_token"))
	require.Equal(t, "", cookieHeader(nil))
}
