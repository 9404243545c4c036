/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/blacktop/go-hvf"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check Hypervisor.framework support and entitlement status",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes := color.New(color.FgGreen).SprintFunc()
		no := color.New(color.FgRed).SprintFunc()

		ok, err := hvf.Supported()
		switch {
		case err != nil:
			fmt.Printf("hv support:   %s (%v)\n", no("error"), err)
		case ok:
			fmt.Printf("hv support:   %s\n", yes("yes"))
		default:
			fmt.Printf("hv support:   %s\n", no("no"))
		}

		exe, _ := os.Executable()
		if exe == "" {
			fmt.Println("entitlements: unknown (executable path not found)")
			return nil
		}
		out, _ := exec.Command("codesign", "-dv", "--entitlements", "-", exe).CombinedOutput()
		if strings.Contains(string(out), "com.apple.security.hypervisor") {
			fmt.Printf("entitlements: hypervisor=%s\n", yes("yes"))
		} else {
			fmt.Printf("entitlements: hypervisor=%s\n", no("no"))
		}
		return nil
	},
}
