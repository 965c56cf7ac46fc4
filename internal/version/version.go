// Package version carries build metadata injected at link time.
package version

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// Info is the version payload served by the API.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}
}
