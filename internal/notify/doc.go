// Package notify posts a digest of High Confidence verdicts to webhook
// targets (Slack, Microsoft Teams or a generic JSON endpoint). One message is
// sent per unit that reached High Confidence during the run.
package notify
