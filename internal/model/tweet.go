package model

import "time"

// MaxTweetLength はツイート本文の最大文字数。
const MaxTweetLength = 280

// Tweet はバックエンドに保存された短文メッセージを表す。
type Tweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Likes     int    `json:"likes"`
	Retweets  int    `json:"retweets"`
	URL       string `json:"url"`
}

// timestampLayouts はバックエンドが返しうるタイムスタンプ形式。
// タイムゾーンなしのISO 8601はUTCとして扱う。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RubyDate,
}

// ParseTimestamp はバックエンドのタイムスタンプ文字列をパースする。
// どの形式にも一致しない場合はfalseを返す。
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CreatedDate は作成日を YYYY/MM/DD 形式で返す。
// パースできない場合は元の文字列をそのまま返す。
func (t Tweet) CreatedDate() string {
	ts, ok := ParseTimestamp(t.CreatedAt)
	if !ok {
		return t.CreatedAt
	}
	return ts.Format("2006/01/02")
}
