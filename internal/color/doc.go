// Package color provides the terminal palette of the servctl CLI.
//
// Colors are lipgloss adaptive colors, so they follow the terminal
// background. Initialize (or InitializeFromEnv, which honours SERVCTL_THEME)
// must run before anything is rendered. NO_COLOR turns styling off.
//
// The renderers map the words servctl prints to styles:
//
//	fmt.Println(color.State("started"))   // green "● started"
//	fmt.Println(color.Publish("full"))    // yellow "full"
//	fmt.Println(color.Severity("error"))  // bold red "✗ error"
package color
