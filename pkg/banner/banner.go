// Package banner prints the daemon's startup banner.
package banner

import (
	"fmt"
	"strings"
)

var rainbow = []int{35, 34, 36, 32, 33, 31}

// PrintRainbow prints ascii art one character at a time, cycling through
// ANSI foreground colors.
func PrintRainbow(ascii string) {
	lines := strings.Split(strings.TrimSpace(ascii), "\n")
	for i, line := range lines {
		for j, r := range line {
			c := rainbow[(i+j)%len(rainbow)]
			fmt.Printf("\033[%dm%c\033[0m", c, r)
		}
		fmt.Println()
	}
}

// ASCII is the spacesd startup logo.
const ASCII = ` ____  ____   __   ___  ____  ____  ____  ____  ____  ____
/ ___)(  _ \ / _\ / __)(  __)(  _ \(  __)(  __)(  _ \(  __)
\___ \ ) __//    \( (__  ) _)  ) __/ ) _)  ) _)  )   / ) _)
(____/(__)  \_/\_/ \___)(____)(__)  (____)(____)(__\_)(____)
      spaces daemon`
