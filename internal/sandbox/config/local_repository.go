package config

import (
	"context"

	"runbox/internal/sandbox/profile"
	"runbox/internal/sandbox/security"
	appErr "runbox/pkg/errors"
)

// LocalRepository serves language specs and task profiles loaded from config.
// It is immutable after construction and safe for concurrent use.
type LocalRepository struct {
	languages map[string]profile.LanguageSpec
	order     []string
	profiles  map[string]profile.TaskProfile
}

// NewLocalRepository creates a repository from config lists.
// Profiles without a language id act as fallbacks for their task type.
func NewLocalRepository(languages []profile.LanguageSpec, profiles []profile.TaskProfile) (*LocalRepository, error) {
	langMap := make(map[string]profile.LanguageSpec, len(languages))
	order := make([]string, 0, len(languages))
	for _, lang := range languages {
		if lang.ID == "" {
			return nil, appErr.ValidationError("language.id", "required")
		}
		if _, dup := langMap[lang.ID]; dup {
			return nil, appErr.Newf(appErr.InvalidParams, "duplicate language %q", lang.ID)
		}
		langMap[lang.ID] = lang
		order = append(order, lang.ID)
	}
	profileMap := make(map[string]profile.TaskProfile, len(profiles))
	for _, prof := range profiles {
		if prof.TaskType == "" {
			return nil, appErr.ValidationError("profile.taskType", "required")
		}
		profileMap[prof.Name()] = prof
	}
	return &LocalRepository{languages: langMap, order: order, profiles: profileMap}, nil
}

// Languages returns every configured language spec in config order.
func (r *LocalRepository) Languages() []profile.LanguageSpec {
	out := make([]profile.LanguageSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.languages[id])
	}
	return out
}

// GetLanguageSpec returns a language spec.
func (r *LocalRepository) GetLanguageSpec(ctx context.Context, id string) (profile.LanguageSpec, error) {
	if id == "" {
		return profile.LanguageSpec{}, appErr.ValidationError("language", "required")
	}
	lang, ok := r.languages[id]
	if !ok {
		return profile.LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id)
	}
	return lang, nil
}

// GetTaskProfile returns a task profile by type and language, falling back to
// the language-independent profile of the same task type.
func (r *LocalRepository) GetTaskProfile(ctx context.Context, taskType profile.TaskType, languageID string) (profile.TaskProfile, error) {
	if taskType == "" {
		return profile.TaskProfile{}, appErr.ValidationError("task_profile", "required")
	}
	if prof, ok := r.profiles[profile.ProfileName(languageID, taskType)]; ok {
		return prof, nil
	}
	if prof, ok := r.profiles[profile.ProfileName("", taskType)]; ok {
		prof.LanguageID = ""
		return prof, nil
	}
	return profile.TaskProfile{}, appErr.Newf(appErr.NotFound, "task profile %s not found", profile.ProfileName(languageID, taskType))
}

// Resolve maps a profile name to isolation settings.
func (r *LocalRepository) Resolve(profileName string) (security.IsolationProfile, error) {
	if profileName == "" {
		return security.IsolationProfile{}, appErr.ValidationError("profile", "required")
	}
	prof, ok := r.profiles[profileName]
	if !ok {
		return security.IsolationProfile{}, appErr.Newf(appErr.NotFound, "profile %s not found", profileName)
	}
	return security.IsolationProfile{
		RootFS:         prof.RootFS,
		SeccompProfile: prof.SeccompProfile,
		DisableNetwork: !prof.AllowNetwork,
		UID:            -1,
		GID:            -1,
	}, nil
}
