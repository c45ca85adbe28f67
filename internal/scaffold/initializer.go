package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFileName is the file Initialize creates in the working directory.
const ConfigFileName = "warren.yml"

// Options carries the values substituted into the generated config.
type Options struct {
	Tenant   string
	RedisURL string
}

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the Warren project configuration in the current
// directory. If force is true, an existing warren.yml is removed first.
func Initialize(opts Options, force bool) error {
	// Handle --force flag
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	// Render template files
	files, err := renderTemplateFiles(opts)
	if err != nil {
		return err
	}

	// Write files
	if err := writeFiles(files); err != nil {
		return err
	}

	// Validate created files
	if err := validateCreatedFiles(); err != nil {
		return err
	}

	return nil
}

// handleForce removes existing files if --force was specified
func handleForce() error {
	if _, err := os.Stat(ConfigFileName); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", ConfigFileName)
		if err := os.Remove(ConfigFileName); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFileName, err)
		}
	}

	return nil
}

// renderTemplateFiles fills the embedded templates with the given options.
func renderTemplateFiles(opts Options) ([]FileInfo, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/warren.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse warren.yml template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, opts); err != nil {
		return nil, fmt.Errorf("failed to render warren.yml template: %w", err)
	}

	return []FileInfo{
		{
			Path:        ConfigFileName,
			Content:     buf.Bytes(),
			Permissions: 0644,
		},
	}, nil
}

// writeFiles writes all rendered files to disk
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// validateCreatedFiles validates that created files are correct
func validateCreatedFiles() error {
	content, err := os.ReadFile(ConfigFileName)
	if err != nil {
		return fmt.Errorf("failed to read created %s: %w", ConfigFileName, err)
	}

	var yamlData interface{}
	if err := yaml.Unmarshal(content, &yamlData); err != nil {
		return fmt.Errorf("created %s is not valid YAML: %w", ConfigFileName, err)
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess(globalRef string) {
	fmt.Println("\n✅ Successfully initialized Warren project!")
	fmt.Println("\nCreated:")
	fmt.Printf("  ✓ %s\n", ConfigFileName)
	fmt.Printf("  ✓ %s context node\n", globalRef)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Review %s and adjust cache and retry settings\n", ConfigFileName)
	fmt.Printf("  2. Create project contexts:\n       warren set --ref project:<name> --parent %s --data '{...}'\n", globalRef)
	fmt.Println("  3. Inspect the tree:\n       warren nodes")
}
