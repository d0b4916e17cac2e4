package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "photo-faces",
	Short: "Keep face identities consistent with an external recognition service",
	Long: `Photo Faces groups unassigned faces into clusters for review, uploads
manually confirmed faces to a CompreFace compatible recognition service as
training data, and keeps local person assignments and the recognizer's
subjects consistent with each other.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
