package main

import (
	"os"

	"github.com/bryan-buckman/planet/cmd"
	"github.com/sirupsen/logrus"

	_ "golang.org/x/crypto/x509roots/fallback" // CA roots for scratch containers
)

func main() {
	if err := cmd.RootApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
