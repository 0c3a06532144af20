package model

// MembershipResponse is the XML document returned by the consumer's
// basic-lis-readmembershipsforcontext service. No root element name is
// pinned; consumers disagree on it and we only need the two subtrees.
type MembershipResponse struct {
	StatusInfo  StatusInfo  `xml:"statusinfo"`
	Memberships Memberships `xml:"memberships"`
}

type StatusInfo struct {
	CodeMajor string `xml:"codemajor"`
	Severity  string `xml:"severity"`
	CodeMinor string `xml:"codeminor"`
}

type Memberships struct {
	Members []Member `xml:"member"`
}

type Member struct {
	UserID     string `xml:"user_id"`
	GivenName  string `xml:"person_name_given"`
	FamilyName string `xml:"person_name_family"`
	Email      string `xml:"person_contact_email_primary"`
	UserImage  string `xml:"user_image"`
	Roles      string `xml:"roles"`
}
