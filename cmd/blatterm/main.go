// Command blatterm is an offline inspector over a blather server's
// advanced-mode log: blatterm <server_name> who, or
// blatterm <server_name> last <N>. It reads the log's "who" record and
// append region directly via logstore, the same read-side views the
// client's %who/%last commands use, without joining the server itself.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pankaj/blather/logstore"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: blatterm <server_name> who")
	fmt.Fprintln(os.Stderr, "       blatterm <server_name> last <N>")
}

func main() {
	if len(os.Args) <= 2 {
		usage()
		os.Exit(1)
	}
	serverName, cmd := os.Args[1], os.Args[2]
	logPath := filepath.Join(".", serverName+".log")

	switch cmd {
	case "who":
		if err := printWho(logPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "last":
		if len(os.Args) <= 3 {
			usage()
			os.Exit(1)
		}
		n, err := strconv.Atoi(os.Args[3])
		if err != nil || n <= 0 {
			usage()
			os.Exit(1)
		}
		if err := printLast(logPath, n); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(1)
	}
}

func printWho(logPath string) error {
	who, err := logstore.ReadWho(logPath)
	if err != nil {
		return err
	}
	names := who.NamesStr()
	fmt.Printf("====================\n%d CLIENTS\n", len(names))
	for i, n := range names {
		fmt.Printf("%d: %s\n", i, n)
	}
	fmt.Println("====================")
	return nil
}

func printLast(logPath string, n int) error {
	records, err := logstore.ReadLast(logPath, n)
	if err != nil {
		return err
	}
	fmt.Printf("====================\nLAST %d MESSAGES\n", len(records))
	for _, m := range records {
		fmt.Printf("[%s] : %s\n", m.NameStr(), m.BodyStr())
	}
	fmt.Println("====================")
	return nil
}
