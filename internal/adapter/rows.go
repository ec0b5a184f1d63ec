package adapter

import (
	"time"

	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/store"
)

func userFromRow(row store.Row) *model.User {
	return &model.User{
		ID:              row.String(store.FieldID),
		Email:           row.String("email"),
		InstitutionalID: row.String("institutional_id"),
		Name:            row.String("name"),
		IsAdmin:         row.Bool("is_admin"),
		Group:           row.IntPtr("cohort_group"),
		EarlyAccess:     row.Bool("early_access"),
		ExtraTime:       row.Bool("extra_time"),
		ResearchConsent: row.Bool("research_consent"),
		CreatedAt:       row.Time("created_at"),
		UpdatedAt:       row.Time("updated_at"),
	}
}

func userToRow(u *model.User) store.Row {
	return store.Row{
		"email":            nullableString(u.Email),
		"institutional_id": nullableString(u.InstitutionalID),
		"name":             nullableString(u.Name),
		"is_admin":         u.IsAdmin,
		"cohort_group":     nullableInt(u.Group),
		"early_access":     u.EarlyAccess,
		"extra_time":       u.ExtraTime,
		"research_consent": u.ResearchConsent,
		"created_at":       u.CreatedAt,
		"updated_at":       u.UpdatedAt,
	}
}

func patchToRow(p model.UserPatch) store.Row {
	row := store.Row{}
	if p.Email != nil {
		row["email"] = nullableString(*p.Email)
	}
	if p.InstitutionalID != nil {
		row["institutional_id"] = nullableString(*p.InstitutionalID)
	}
	if p.Name != nil {
		row["name"] = nullableString(*p.Name)
	}
	if p.IsAdmin != nil {
		row["is_admin"] = *p.IsAdmin
	}
	if p.Group != nil {
		row["cohort_group"] = *p.Group
	}
	if p.EarlyAccess != nil {
		row["early_access"] = *p.EarlyAccess
	}
	if p.ExtraTime != nil {
		row["extra_time"] = *p.ExtraTime
	}
	if p.ResearchConsent != nil {
		row["research_consent"] = *p.ResearchConsent
	}
	return row
}

func applyPatch(u *model.User, p model.UserPatch) {
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.InstitutionalID != nil {
		u.InstitutionalID = *p.InstitutionalID
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.IsAdmin != nil {
		u.IsAdmin = *p.IsAdmin
	}
	if p.Group != nil {
		g := *p.Group
		u.Group = &g
	}
	if p.EarlyAccess != nil {
		u.EarlyAccess = *p.EarlyAccess
	}
	if p.ExtraTime != nil {
		u.ExtraTime = *p.ExtraTime
	}
	if p.ResearchConsent != nil {
		u.ResearchConsent = *p.ResearchConsent
	}
}

func sessionFromRow(row store.Row) *model.Session {
	return &model.Session{
		ID:        row.String("session_id"),
		UserID:    row.String("user_id"),
		CreatedAt: row.Time("created_at"),
		ExpiresAt: row.Time("expires_at"),
	}
}

func keyFromRow(row store.Row) *model.ProviderKey {
	return &model.ProviderKey{
		ID:             row.String(store.FieldID),
		UserID:         row.String("user_id"),
		Provider:       row.String("provider"),
		ProviderUserID: row.String("provider_user_id"),
		Credential:     row.StringPtr("hashed_password"),
		CreatedAt:      row.Time("created_at"),
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
