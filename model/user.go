package model

type User struct {
	Id        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Email     string   `json:"email,omitempty" yaml:"email"`
	Roles     []string `json:"roles,omitempty" yaml:"roles"`
	ManagerId string   `json:"managerId,omitempty" yaml:"managerId"`
	Disabled  bool     `json:"disabled,omitempty" yaml:"disabled"`
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
