// Package prompts contains the prompt templates sent to reasoning models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with the live capability catalogue
// and fact context, and tests pin the rendered output with golden files.
package prompts
