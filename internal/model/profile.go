package model

// Profile はプロフィールサービスから取得する表示用メタデータ。
// セッションのユーザーIDをキーとする読み取り専用の射影。
type Profile struct {
	ID               string  `json:"id"`
	FullName         *string `json:"full_name"`
	AvatarURL        *string `json:"avatar_url"`
	TwitterUsername  *string `json:"twitter_username"`
	Bio              *string `json:"bio"`
	TwitterPostCount int     `json:"twitter_post_count"`
	LastTweetAt      *string `json:"last_tweet_at"`
}

// DisplayName は表示名を返す。未設定または空の場合は空文字列を返す。
func (p *Profile) DisplayName() string {
	if p == nil || p.FullName == nil {
		return ""
	}
	return *p.FullName
}

// Avatar はアバター画像URLを返す。未設定の場合は空文字列を返す。
func (p *Profile) Avatar() string {
	if p == nil || p.AvatarURL == nil {
		return ""
	}
	return *p.AvatarURL
}

// BioText は自己紹介文を返す。未設定の場合は空文字列を返す。
func (p *Profile) BioText() string {
	if p == nil || p.Bio == nil {
		return ""
	}
	return *p.Bio
}
