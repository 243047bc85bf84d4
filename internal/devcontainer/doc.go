// Package devcontainer reads the subset of devcontainer.json that a
// container-backed session needs: the image, the workspace folder inside
// the container, forwarded ports and extra environment.
//
// devcontainer.json is JSONC (comments and trailing commas allowed), so
// files pass through github.com/tidwall/jsonc before encoding/json.
package devcontainer
