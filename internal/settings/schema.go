package settings

// Setting is one row of the source-of-truth schema: a flat dot key,
// its default, and the line of documentation emitted to defaults.jsonc.
type Setting struct {
	Key         string
	Default     any
	Description string
}

// Schema lists every setting the service understands. The default
// record, defaults.jsonc, and merge validation are all derived from
// this table.
var Schema = []Setting{
	{"resolver", "projects", `project resolver strategy: "projects" (built-in scan) or "zoxide"`},
	{"projects.ignore", defaultIgnore, "directory basenames the project scan never descends into"},
	{"projects.maxDepth", 3, "how many levels below $HOME the project scan walks (min 1)"},
	{"background.image", nil, "path to a background image, or null"},
	{"background.size", "cover", "CSS background-size for the image"},
	{"background.opacity", 0.15, "background opacity, clamped to [0,1]"},
	{"background.filter", nil, "CSS filter applied to the background, or null"},
	{"terminal.fontSize", 14, "terminal font size in px"},
	{"terminal.fontFamily", "monospace", "terminal font family"},
	{"window.padding", 0, "padding around the terminal in px (min 0)"},
}

var defaultIgnore = []string{
	"node_modules", ".git", ".hg", ".svn", "vendor", "target", "dist", "build",
	".cache", ".local", ".npm", ".cargo", ".rustup", ".volta",
	"Library", "Applications", ".Trash", "Music", "Movies", "Pictures",
	"Downloads", "Documents", "Desktop", "Public",
	".docker", ".nvm", ".pyenv", ".rbenv",
	".gradle", ".m2", ".sbt",
}

// Settings is the typed record consumers read.
type Settings struct {
	Resolver   string             `json:"resolver"`
	Projects   ProjectsSettings   `json:"projects"`
	Background BackgroundSettings `json:"background"`
	Terminal   TerminalSettings   `json:"terminal"`
	Window     WindowSettings     `json:"window"`
}

type ProjectsSettings struct {
	Ignore   []string `json:"ignore"`
	MaxDepth int      `json:"maxDepth"`
}

type BackgroundSettings struct {
	Image   *string `json:"image"`
	Size    string  `json:"size"`
	Opacity float64 `json:"opacity"`
	Filter  *string `json:"filter"`
}

type TerminalSettings struct {
	FontSize   int    `json:"fontSize"`
	FontFamily string `json:"fontFamily"`
}

type WindowSettings struct {
	Padding int `json:"padding"`
}
