// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

const (
	ConfigLoadFailedId Id = iota + 1
	ConfigInvalidId
	UnknownHandlerId
	BindFailedId
	InvalidTransitionId
	ControlUnreachableId
	ControlUnauthorizedId
	SSHFrontFailedId
)

type (
	// Id identifies a catalog issue.
	Id int

	// MarkdownMsg is the Markdown body of an issue.
	MarkdownMsg string

	// HttpLink is a documentation or external link.
	HttpLink string

	// Issue is a catalog entry with remediation guidance.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
		extLinks []HttpLink
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the issue with glamour using the given style ("dark",
// "light", "notty", "auto" or a path to a JSON style).
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range i.docLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
		for _, link := range i.extLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration

The configuration file could not be read or parsed.

## Things you can try:
- Check the path passed to ` + "`--config`" + `
- Supported formats are ` + "`.properties`, `.cue`, `.toml` and `.yaml`" + `
- Print the effective defaults:
~~~
$ sockserve config show
~~~`,
		docLinks: []HttpLink{"https://cuelang.org/docs/"},
	}

	configInvalidIssue = &Issue{
		id: ConfigInvalidId,
		mdMsg: `
# Invalid configuration

A value does not match the configuration schema.

## Constraints:
- ` + "`socketserver.serverport`" + ` must be between 0 and 65535 (0 picks a free port)
- ` + "`socketserver.activeconnections`" + `, ` + "`socketqueuesize`" + ` and ` + "`handlerqueuesize`" + ` must be positive
- ` + "`socketserver.sockettimeout`" + ` must not be negative (milliseconds, 0 disables it)
- ` + "`socketserver.backpressure`" + ` is either ` + "`block`" + ` or ` + "`reject`" + `

## Things you can try:
~~~
$ sockserve config validate path/to/file
~~~`,
	}

	unknownHandlerIssue = &Issue{
		id: UnknownHandlerId,
		mdMsg: `
# Unknown connection handler

The configured ` + "`socketserver.connectionhandler`" + ` is not registered.

## Things you can try:
- List the available handlers:
~~~
$ sockserve handlers
~~~
- Use one of the listed names, for example ` + "`echo`",
	}

	bindFailedIssue = &Issue{
		id: BindFailedId,
		mdMsg: `
# Failed to bind the server socket

The listener could not be opened on the configured address.

## Things you can try:
- Check that no other process uses the port
- Ports below 1024 need elevated privileges
- Use port ` + "`0`" + ` to let the operating system pick a free port`,
	}

	invalidTransitionIssue = &Issue{
		id: InvalidTransitionId,
		mdMsg: `
# Invalid lifecycle transition

The service is not in a state that allows the requested transition.

## Legal transitions:
| transition | from | to |
|---|---|---|
| initialize | uninitialized | initialized |
| start | initialized, stopped | running |
| suspend | running | suspended |
| resume | suspended | running |
| stop | running | stopped |
| destroy | uninitialized, initialized, stopped | destroyed |`,
	}

	controlUnreachableIssue = &Issue{
		id: ControlUnreachableId,
		mdMsg: `
# Control plane unreachable

No running server answered on the control address.

## Things you can try:
- Start the server with the control plane enabled:
~~~
$ sockserve serve --control 127.0.0.1:7070
~~~
- Pass the same address with ` + "`--addr`",
	}

	controlUnauthorizedIssue = &Issue{
		id: ControlUnauthorizedId,
		mdMsg: `
# Control plane rejected the token

## Things you can try:
- Pass the token printed by ` + "`sockserve serve`" + ` with ` + "`--token`" + `
- Set ` + "`control.token`" + ` in the configuration to use a fixed token`,
	}

	sshFrontFailedIssue = &Issue{
		id: SSHFrontFailedId,
		mdMsg: `
# SSH front failed to start

## Things you can try:
- Check ` + "`sshfront.host`" + ` and ` + "`sshfront.port`" + `
- Disable it with ` + "`sshfront.enabled: false`",
		extLinks: []HttpLink{"https://github.com/charmbracelet/wish"},
	}

	issues = map[Id]*Issue{
		configLoadFailedIssue.Id():    configLoadFailedIssue,
		configInvalidIssue.Id():       configInvalidIssue,
		unknownHandlerIssue.Id():      unknownHandlerIssue,
		bindFailedIssue.Id():          bindFailedIssue,
		invalidTransitionIssue.Id():   invalidTransitionIssue,
		controlUnreachableIssue.Id():  controlUnreachableIssue,
		controlUnauthorizedIssue.Id(): controlUnauthorizedIssue,
		sshFrontFailedIssue.Id():      sshFrontFailedIssue,
	}
)

// Values returns every catalog issue ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// Get returns the issue with the given id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
