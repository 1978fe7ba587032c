// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and a catalog of Markdown remediation
// guides for the failures an operator of sockserve is likely to hit.
package issue
