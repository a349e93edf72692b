package version

import "fmt"

// Values are stamped at build time using -ldflags.
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
	}
}

func (i Info) String() string {
	out := i.Version
	if i.GitCommit != "" {
		out = fmt.Sprintf("%s (%s)", out, i.GitCommit)
	}
	if i.Built != "" {
		out = fmt.Sprintf("%s built %s", out, i.Built)
	}
	return out
}
