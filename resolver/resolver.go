// Package resolver maps a build or test request onto the tool script that
// performs it.
package resolver

import (
	"path/filepath"

	"keel/apperr"
)

type Verb string

const (
	VerbBuild    Verb = "build"
	VerbUnittest Verb = "unittest"
)

// AutoBaseImage asks the resolver to choose a base image.
const AutoBaseImage = "auto"

var scripts = map[Verb]string{
	VerbBuild:    "build-app",
	VerbUnittest: "unittest-app",
}

var toolTrees = map[string]string{
	"heroku":     "lp-cedarish",
	"dockerfile": "lp-dockerfile",
	"dib":        "diskimage-builder",
	"chef":       "lp-chef",
}

var variants = map[string]string{
	"docker": "docker",
	"qcow2":  "vm-slug",
	"vm":     "vm-slug",
}

// VM images cannot use "auto"; they build on this base instead.
const vmDefaultBase = "cedarish"

// Command is a resolved tool invocation, relative to the tools directory.
type Command struct {
	Path        string
	BaseImageID string
}

// Resolve picks the script for verb under the tree for sourceFormat and
// the variant for imageFormat. It does no I/O.
func Resolve(verb Verb, sourceFormat, imageFormat, baseImageID string) (Command, error) {
	script, ok := scripts[verb]
	if !ok {
		return Command{}, apperr.New(apperr.CodeInvalidConfig, "unknown verb %q", verb)
	}
	tree, ok := toolTrees[sourceFormat]
	if !ok {
		return Command{}, apperr.New(apperr.CodeInvalidConfig, "unknown source format %q", sourceFormat)
	}
	variant, ok := variants[imageFormat]
	if !ok {
		return Command{}, apperr.New(apperr.CodeInvalidConfig, "unknown image format %q", imageFormat)
	}

	base := baseImageID
	if base == "" {
		base = AutoBaseImage
	}
	if base == AutoBaseImage && variant == "vm-slug" {
		base = vmDefaultBase
	}

	return Command{
		Path:        filepath.Join(tree, variant, script),
		BaseImageID: base,
	}, nil
}

// Abs joins the command path onto the tools directory.
func (c Command) Abs(toolsDir string) string {
	return filepath.Join(toolsDir, c.Path)
}

// BuildArgs is the positional argument list of build-app.
func BuildArgs(sourceURL, name, tenant string, cmd Command, privateKey string) []string {
	return []string{sourceURL, name, tenant, cmd.BaseImageID, privateKey}
}

// UnittestArgs is the positional argument list of unittest-app.
func UnittestArgs(sourceURL, assemblyUUID, tenant, privateKey, testCmd string) []string {
	return []string{sourceURL, assemblyUUID, tenant, privateKey, testCmd}
}
