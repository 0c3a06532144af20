package model

// ProvisionedUser is the durable link between one external identity
// (consumer key + external user id) and one local user, scoped to one tool.
type ProvisionedUser struct {
	ID             int64  `db:"id"`
	ToolID         int64  `db:"toolid"`
	UserID         int64  `db:"userid"`
	ConsumerKey    string `db:"consumerkey"`
	ConsumerSecret string `db:"consumersecret"`

	// Outbound grade passback endpoint recorded at launch time.
	ServiceURL string `db:"serviceurl"`
	SourceID   string `db:"sourceid"`

	// Roster read endpoint recorded at launch time.
	MembershipsURL string `db:"membershipsurl"`
	MembershipsID  string `db:"membershipsid"`

	LastSync   int64 `db:"lastsync"`
	LastGrade  int64 `db:"lastgrade"`
	LastAccess int64 `db:"lastaccess"`
}

// LocalUser is the host-side account record a provisioned identity maps to.
type LocalUser struct {
	ID           int64  `db:"id"`
	Username     string `db:"username"`
	Password     string `db:"password"`
	Auth         string `db:"auth"`
	FirstName    string `db:"firstname"`
	LastName     string `db:"lastname"`
	Email        string `db:"email"`
	City         string `db:"city"`
	Country      string `db:"country"`
	Institution  string `db:"institution"`
	Timezone     string `db:"timezone"`
	MailDisplay  int    `db:"maildisplay"`
	Lang         string `db:"lang"`
	Confirmed    bool   `db:"confirmed"`
	Picture      int64  `db:"picture"`
	TimeCreated  int64  `db:"timecreated"`
	TimeModified int64  `db:"timemodified"`
}
