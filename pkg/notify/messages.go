package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

// ApprovalPrompt is the instruction handed to the approval channel's agent.
func ApprovalPrompt(req models.AccessRequest) string {
	var b strings.Builder
	b.WriteString("You are an access management assistant. You are currently conversing with an approving group.\n")
	b.WriteString("Your task is to help the approving group decide whether to approve the following access request.\n")
	fmt.Fprintf(&b, "You have a new access request from %s for the following purpose: %s. ", req.RequesterEmail, req.Purpose)
	fmt.Fprintf(&b, "The user requested this access for %d minutes.\n", req.TTLMinutes)
	fmt.Fprintf(&b, "This means that the access will be revoked after %d minutes in case the request is approved.\n", req.TTLMinutes)
	fmt.Fprintf(&b, "The ID of the request is %s. The permission set is %s. The policy to be created is:\n", req.RequestID, req.PermissionSetName)
	fmt.Fprintf(&b, "```%s```\n\n", req.PolicyDocument.Pretty())
	fmt.Fprintf(&b, "To decide, run: approve --request_id %s --approval_action approve|reject\n", req.RequestID)
	b.WriteString("CAREFULLY ASK IF YOU CAN MOVE FORWARD WITH THIS REQUEST. DO NOT EXECUTE THE REQUEST UNTIL YOU HAVE RECEIVED APPROVAL FROM THE USER YOU ARE ASSISTING.")
	return b.String()
}

// Decision is what the requester is told after an approve or reject.
type Decision struct {
	Request  models.AccessRequest
	Approved bool
	Approver string
	// ScheduleFailed marks an approval whose automatic removal could not be
	// scheduled.
	ScheduleFailed bool
}

func (d Decision) verb() string {
	if d.Approved {
		return "approved"
	}
	return "rejected"
}

func (d Decision) emoji() string {
	if d.Approved {
		return ":white_check_mark:"
	}
	return ":x:"
}

func (d Decision) summary() string {
	return fmt.Sprintf("<@%s>, your request %s has been %s.", d.Request.RequesterEmail, d.Request.RequestID, d.verb())
}

func (d Decision) approverLine() string {
	return fmt.Sprintf("<@%s> *%s* your access request %s", d.Approver, strings.ToUpper(d.verb()), d.emoji())
}

func (d Decision) removalNote() string {
	if d.ScheduleFailed {
		return "Note: automatic removal could not be scheduled. An operator has to remove this permission."
	}
	if d.Request.Decision != nil && !d.Request.Decision.RevokeAt.IsZero() {
		return fmt.Sprintf("Note: this permission will be removed automatically at %s (%d minutes).",
			d.Request.Decision.RevokeAt.UTC().Format(time.RFC3339), d.Request.TTLMinutes)
	}
	return fmt.Sprintf("Note: this permission will be removed automatically after %d minutes.", d.Request.TTLMinutes)
}

// mainText is posted to the requester's channel.
func (d Decision) mainText(permalink string) string {
	r := d.Request
	var b strings.Builder
	fmt.Fprintf(&b, "*Request %s* %s\n", d.verb(), d.emoji())
	fmt.Fprintf(&b, "*Reason:* %s\n", r.Purpose)
	fmt.Fprintf(&b, "*Access:* %s (%s) for %d minutes\n", r.PolicyName, r.PermissionSetName, r.TTLMinutes)
	fmt.Fprintf(&b, "*Status:* %s\n", d.approverLine())
	if permalink != "" {
		fmt.Fprintf(&b, "<%s|View original conversation>\n", permalink)
	}
	if !d.Approved {
		return b.String()
	}
	if arn := r.GrantedPolicyARN(); arn != "" {
		fmt.Fprintf(&b, "*Grant:* `%s`\n", arn)
	}
	b.WriteString("\nYou can now try your brand new permissions! :rocket:\n\n")
	b.WriteString(d.removalNote())
	fmt.Fprintf(&b, "\n\nPermission policy statement JSON:\n```%s```", r.PolicyDocument.Pretty())
	return b.String()
}

// threadText is posted as a reply in the original conversation.
func (d Decision) threadText() string {
	if !d.Approved {
		return fmt.Sprintf("%s\n\nRequest %s will not be granted.", d.approverLine(), d.Request.RequestID)
	}
	return fmt.Sprintf("*Good news!* %s :tada:\n\nGo ahead and try your brand new permissions! :rocket:\n\n%s",
		d.approverLine(), d.removalNote())
}
