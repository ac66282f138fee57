package profile

import "runbox/internal/sandbox/spec"

// TaskType identifies the sandbox task category.
type TaskType string

const (
	TaskTypeCompile TaskType = "compile"
	TaskTypeRun     TaskType = "run"
	TaskTypeLint    TaskType = "lint"
)

// TaskProfile defines sandbox resources and security settings for a task type.
type TaskProfile struct {
	LanguageID     string             `yaml:"languageId"`
	TaskType       TaskType           `yaml:"taskType"`
	RootFS         string             `yaml:"rootfs"`
	SeccompProfile string             `yaml:"seccompProfile"`
	AllowNetwork   bool               `yaml:"allowNetwork"`
	DefaultLimits  spec.ResourceLimit `yaml:"defaultLimits"`
}

// Name returns the resolver key of the profile.
func (p TaskProfile) Name() string {
	return ProfileName(p.LanguageID, p.TaskType)
}

// ProfileName builds the resolver key for a language and task type.
func ProfileName(languageID string, taskType TaskType) string {
	if languageID == "" {
		return string(taskType)
	}
	return languageID + "-" + string(taskType)
}
