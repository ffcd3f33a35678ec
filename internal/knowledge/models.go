package knowledge

// GitHub item kinds and states.
const (
	ItemIssue = "issue"
	ItemPR    = "pr"

	StatusOpen   = "open"
	StatusClosed = "closed"
	StatusMerged = "merged"
)

// Paper sources.
const (
	SourceOpenAlex        = "openalex"
	SourceSemanticScholar = "semanticscholar"
	SourcePubMed          = "pubmed"
)

// Summarization outcomes recorded per mailing-list thread.
const (
	SummaryDone    = "summarized"
	SummarySkipped = "skipped"
	SummaryFailed  = "failed"
)

// Write-time truncation limits, in characters.
const (
	MaxGitHubBody    = 5000
	MaxAbstract      = 2000
	MaxDocstring     = 10000
	MaxMessageBody   = 10000
	MaxFAQAnswer     = 5000
	MaxDiscoursePost = 5000
)

// GitHubItem is the opening post of an issue or pull request.
type GitHubItem struct {
	Repo         string
	ItemType     string // ItemIssue or ItemPR
	Number       int
	Title        string
	FirstMessage string
	Status       string // open, closed, merged (merged only for PRs)
	URL          string
	CreatedAt    string
}

// Paper is one source's record of a publication.
type Paper struct {
	Source     string
	ExternalID string
	Title      string
	Abstract   string
	URL        string
	CreatedAt  string
}

type Docstring struct {
	Repo       string
	FilePath   string
	Language   string // matlab or python
	SymbolName string
	SymbolType string // function, class, method, module, script
	Docstring  string
	LineNumber int
	Branch     string
}

type MailingListMessage struct {
	ListName    string
	MessageID   string
	ThreadID    string
	Subject     string
	Author      string
	AuthorEmail string
	Date        string
	Body        string
	InReplyTo   string
	URL         string
	Year        int
}

type FAQEntry struct {
	ListName         string
	ThreadID         string
	ThreadURL        string
	Question         string
	Answer           string
	Tags             []string
	Category         string
	MessageCount     int
	ParticipantCount int
	FirstMessageDate string
	QualityScore     float64
	SummaryModel     string
}

type DiscourseTopic struct {
	ForumURL       string
	TopicID        int
	Title          string
	FirstPost      string
	AcceptedAnswer string
	CategoryName   string
	Tags           []string
	ReplyCount     int
	LikeCount      int
	Views          int
	URL            string
	CreatedAt      string
	LastPostedAt   string
}

// BEPItem is a BIDS Extension Proposal. Content is only set while its pull
// request is open.
type BEPItem struct {
	Number            string // zero-padded to three digits
	Title             string
	Status            string // draft, proposed, closed
	PullRequestURL    string
	PullRequestNumber int
	HTMLPreviewURL    string
	GoogleDocURL      string
	Leads             []string
	Content           string
}
