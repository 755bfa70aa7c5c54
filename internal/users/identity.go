package users

import "time"

const (
	columnEmail       = "email"
	columnDisplayName = "display_name"
	columnAvatarURL   = "avatar_url"
	columnLastSeenAt  = "last_seen_at"
)

// Identity links a provider login to the collaborator id used on boards. The
// profile columns hold the last values seen in a session so presence and lock
// holders render a name even when a later token omits it.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Identity) TableName() string {
	return "collaborator_identities"
}

func (i Identity) profile() Profile {
	return Profile{
		UserID:      i.UserID,
		Email:       i.Email,
		DisplayName: i.DisplayName,
		AvatarURL:   i.AvatarURL,
	}
}

// refresh copies the non-empty incoming fields that differ and returns the
// column updates needed to store them.
func (i *Identity) refresh(incoming Profile, now time.Time) map[string]any {
	updates := map[string]any{columnLastSeenAt: now}
	if incoming.Email != "" && incoming.Email != i.Email {
		updates[columnEmail] = incoming.Email
		i.Email = incoming.Email
	}
	if incoming.DisplayName != "" && incoming.DisplayName != i.DisplayName {
		updates[columnDisplayName] = incoming.DisplayName
		i.DisplayName = incoming.DisplayName
	}
	if incoming.AvatarURL != "" && incoming.AvatarURL != i.AvatarURL {
		updates[columnAvatarURL] = incoming.AvatarURL
		i.AvatarURL = incoming.AvatarURL
	}
	i.LastSeenAt = now
	return updates
}
